package jenkins

import (
	"testing"

	"github.com/haatos/runsync/internal/store"
	"github.com/haatos/runsync/internal/util"
	"github.com/stretchr/testify/assert"
)

func TestMapBuildStatus(t *testing.T) {
	testCases := []struct {
		name     string
		building bool
		result   *string
		expected store.RunStatus
	}{
		{"building wins over result", true, util.AsPtr(ResultFailure), store.StatusRunning},
		{"building without result", true, nil, store.StatusRunning},
		{"finished without result", false, nil, store.StatusPending},
		{"success", false, util.AsPtr(ResultSuccess), store.StatusSuccess},
		{"failure", false, util.AsPtr(ResultFailure), store.StatusFailed},
		{"unstable", false, util.AsPtr(ResultUnstable), store.StatusFailed},
		{"aborted", false, util.AsPtr(ResultAborted), store.StatusAborted},
		{"not built", false, util.AsPtr(ResultNotBuilt), store.StatusPending},
		{"unknown result", false, util.AsPtr("EXPLODED"), store.StatusFailed},
		{"empty result", false, util.AsPtr(""), store.StatusFailed},
	}
	for _, tc := range testCases {
		t.Run("success - "+tc.name, func(t *testing.T) {
			// act
			status := MapBuildStatus(tc.building, tc.result)

			// assert
			assert.Equal(t, tc.expected, status)
			assert.Equal(t, status, MapBuildStatus(tc.building, tc.result))
		})
	}
}

func TestBuildStatus_IsAmbiguous(t *testing.T) {
	assert.True(t, (&BuildStatus{}).IsAmbiguous())
	assert.False(t, (&BuildStatus{Building: true}).IsAmbiguous())
	assert.False(t, (&BuildStatus{Result: util.AsPtr(ResultSuccess)}).IsAmbiguous())
}
