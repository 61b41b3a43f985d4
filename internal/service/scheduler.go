package service

import (
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

func NewScheduler(clock clockwork.Clock, logger *zap.SugaredLogger) (gocron.Scheduler, error) {
	return gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(schedulerLogger{logger}),
	)
}

// schedulerLogger adapts a sugared zap logger to gocron's key/value logger.
type schedulerLogger struct {
	l *zap.SugaredLogger
}

func (sl schedulerLogger) Debug(msg string, args ...any) { sl.l.Debugw(msg, args...) }
func (sl schedulerLogger) Info(msg string, args ...any)  { sl.l.Infow(msg, args...) }
func (sl schedulerLogger) Warn(msg string, args ...any)  { sl.l.Warnw(msg, args...) }
func (sl schedulerLogger) Error(msg string, args ...any) { sl.l.Errorw(msg, args...) }
