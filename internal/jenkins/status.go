package jenkins

import (
	"github.com/haatos/runsync/internal/store"
)

const (
	ResultSuccess  = "SUCCESS"
	ResultFailure  = "FAILURE"
	ResultUnstable = "UNSTABLE"
	ResultAborted  = "ABORTED"
	ResultNotBuilt = "NOT_BUILT"
)

// BuildStatus is the subset of /job/{job}/{build}/api/json the service reads.
type BuildStatus struct {
	Building  bool    `json:"building"`
	Result    *string `json:"result"`
	Number    int64   `json:"number"`
	Duration  int64   `json:"duration"`
	Timestamp int64   `json:"timestamp"`
	URL       string  `json:"url"`
}

func (bs *BuildStatus) ResultString() string {
	if bs.Result == nil {
		return ""
	}
	return *bs.Result
}

// MapBuildStatus maps a Jenkins build state onto a run status. A missing
// result on a finished build is reported as pending; unknown results count as
// failures.
func MapBuildStatus(building bool, result *string) store.RunStatus {
	if building {
		return store.StatusRunning
	}
	if result == nil {
		return store.StatusPending
	}
	switch *result {
	case ResultSuccess:
		return store.StatusSuccess
	case ResultFailure, ResultUnstable:
		return store.StatusFailed
	case ResultAborted:
		return store.StatusAborted
	case ResultNotBuilt:
		return store.StatusPending
	default:
		return store.StatusFailed
	}
}

// IsAmbiguous reports a finished build that carries no result yet.
func (bs *BuildStatus) IsAmbiguous() bool {
	return !bs.Building && bs.Result == nil
}
