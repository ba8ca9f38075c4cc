package schedule_test

import (
	"testing"

	"github.com/medtransit/scheduling/services/scheduling-service/internal/model"
	"github.com/medtransit/scheduling/services/scheduling-service/internal/schedule"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from model.Status
		to   model.Status
		want bool
	}{
		{model.StatusScheduled, model.StatusInProgress, true},
		{model.StatusScheduled, model.StatusCancelled, true},
		{model.StatusScheduled, model.StatusCompleted, false},
		{model.StatusScheduled, model.StatusScheduled, false},
		{model.StatusInProgress, model.StatusCompleted, true},
		{model.StatusInProgress, model.StatusCancelled, true},
		{model.StatusInProgress, model.StatusScheduled, false},
		{model.StatusCompleted, model.StatusCancelled, false},
		{model.StatusCompleted, model.StatusInProgress, false},
		{model.StatusCancelled, model.StatusScheduled, false},
		{model.StatusCancelled, model.StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := schedule.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
