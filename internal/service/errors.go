package service

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound         = errors.New("execution run not found")
	ErrNoExternalReference = errors.New("execution run has no jenkins job reference")
)

// SyncError wraps a failure to reconcile a run with its Jenkins build.
type SyncError struct {
	RunID int64
	Err   error
}

func (se *SyncError) Error() string {
	return fmt.Sprintf("sync run %d: %v", se.RunID, se.Err)
}

func (se *SyncError) Unwrap() error {
	return se.Err
}

type InvalidCallbackError struct {
	Message string
}

func (ice InvalidCallbackError) Error() string {
	return ice.Message
}
