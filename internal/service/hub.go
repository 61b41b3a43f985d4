package service

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haatos/runsync/internal/store"
	"go.uber.org/zap"
)

const (
	EventExecutionUpdate = "execution:update"
	EventQuickFail       = "execution:quick-fail"

	subscriberBuffer = 32
)

type UpdateSource string

const (
	SourceCallback UpdateSource = "callback"
	SourcePolling  UpdateSource = "polling"
	SourceMonitor  UpdateSource = "monitor"
)

type ExecutionUpdate struct {
	RunID        int64           `json:"runId"`
	Status       store.RunStatus `json:"status"`
	PassedCases  *int64          `json:"passedCases,omitempty"`
	FailedCases  *int64          `json:"failedCases,omitempty"`
	SkippedCases *int64          `json:"skippedCases,omitempty"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	Source       UpdateSource    `json:"source"`
	Timestamp    time.Time       `json:"timestamp"`
}

type QuickFailAlert struct {
	RunID     int64     `json:"runId"`
	Message   string    `json:"message"`
	ErrorType string    `json:"errorType"`
	Duration  int64     `json:"duration"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one message delivered to a subscriber.
type Event struct {
	Name  string `json:"event"`
	RunID int64  `json:"runId"`
	Data  any    `json:"data"`
}

type Subscriber struct {
	id     string
	events chan Event
}

func (s *Subscriber) ID() string {
	return s.id
}

// Events is closed when the subscriber is disconnected.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

type HubStats struct {
	Connections   int `json:"connections"`
	Runs          int `json:"runs"`
	Subscriptions int `json:"subscriptions"`
}

// Hub keeps per-run subscriber sets and pushes run events to them. Sends
// never block: a subscriber whose buffer is full misses the event.
type Hub struct {
	m           sync.Mutex
	subscribers map[string]*Subscriber
	runs        map[int64]map[string]*Subscriber
	memberships map[string]map[int64]struct{}
	logger      *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		runs:        make(map[int64]map[string]*Subscriber),
		memberships: make(map[string]map[int64]struct{}),
		logger:      logger,
	}
}

func (h *Hub) Connect() *Subscriber {
	h.m.Lock()
	defer h.m.Unlock()
	s := &Subscriber{
		id:     uuid.NewString(),
		events: make(chan Event, subscriberBuffer),
	}
	h.subscribers[s.id] = s
	h.memberships[s.id] = make(map[int64]struct{})
	return s
}

// Subscribe joins the subscriber to a run's set. It reports false for an
// unknown or disconnected subscriber.
func (h *Hub) Subscribe(subscriberID string, runID int64) bool {
	h.m.Lock()
	defer h.m.Unlock()
	s, ok := h.subscribers[subscriberID]
	if !ok {
		return false
	}
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[string]*Subscriber)
	}
	h.runs[runID][subscriberID] = s
	h.memberships[subscriberID][runID] = struct{}{}
	RecordSubscriptions(h.countSubscriptions())
	return true
}

func (h *Hub) Unsubscribe(subscriberID string, runID int64) {
	h.m.Lock()
	defer h.m.Unlock()
	h.leave(subscriberID, runID)
	RecordSubscriptions(h.countSubscriptions())
}

// Disconnect removes every membership of the subscriber and closes its
// event channel.
func (h *Hub) Disconnect(subscriberID string) {
	h.m.Lock()
	defer h.m.Unlock()
	s, ok := h.subscribers[subscriberID]
	if !ok {
		return
	}
	for runID := range h.memberships[subscriberID] {
		h.leave(subscriberID, runID)
	}
	delete(h.memberships, subscriberID)
	delete(h.subscribers, subscriberID)
	close(s.events)
	RecordSubscriptions(h.countSubscriptions())
}

func (h *Hub) leave(subscriberID string, runID int64) {
	if set, ok := h.runs[runID]; ok {
		delete(set, subscriberID)
		if len(set) == 0 {
			delete(h.runs, runID)
		}
	}
	if m, ok := h.memberships[subscriberID]; ok {
		delete(m, runID)
	}
}

func (h *Hub) countSubscriptions() int {
	n := 0
	for _, set := range h.runs {
		n += len(set)
	}
	return n
}

func (h *Hub) SubscriberCount(runID int64) int {
	h.m.Lock()
	defer h.m.Unlock()
	return len(h.runs[runID])
}

func (h *Hub) Stats() HubStats {
	h.m.Lock()
	defer h.m.Unlock()
	return HubStats{
		Connections:   len(h.subscribers),
		Runs:          len(h.runs),
		Subscriptions: h.countSubscriptions(),
	}
}

// PushExecutionUpdate returns the number of subscribers the update reached.
func (h *Hub) PushExecutionUpdate(update ExecutionUpdate) int {
	return h.broadcast(Event{Name: EventExecutionUpdate, RunID: update.RunID, Data: update})
}

// PushQuickFailAlert returns the number of subscribers the alert reached.
func (h *Hub) PushQuickFailAlert(alert QuickFailAlert) int {
	return h.broadcast(Event{Name: EventQuickFail, RunID: alert.RunID, Data: alert})
}

func (h *Hub) broadcast(ev Event) int {
	h.m.Lock()
	defer h.m.Unlock()
	set := h.runs[ev.RunID]
	if len(set) == 0 {
		return 0
	}
	delivered, dropped := 0, 0
	for id, s := range set {
		select {
		case s.events <- ev:
			delivered++
		default:
			dropped++
			h.logger.Warnw("dropping event for slow subscriber",
				"event", ev.Name,
				"run_id", ev.RunID,
				"subscriber_id", id,
			)
		}
	}
	RecordFanoutEvent(ev.Name, "delivered", delivered)
	RecordFanoutEvent(ev.Name, "dropped", dropped)
	return delivered
}
