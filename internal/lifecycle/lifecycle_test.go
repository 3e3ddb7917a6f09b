package lifecycle

import (
	"testing"

	"github.com/campushub/reminder-service/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from models.Status
		to   models.Status
		want bool
	}{
		{models.StatusPending, models.StatusScheduled, true},
		{models.StatusPending, models.StatusCancelled, true},
		{models.StatusPending, models.StatusNotified, false},
		{models.StatusPending, models.StatusCompleted, false},
		{models.StatusScheduled, models.StatusNotified, true},
		{models.StatusScheduled, models.StatusCancelled, true},
		{models.StatusScheduled, models.StatusPending, false},
		{models.StatusNotified, models.StatusCompleted, true},
		{models.StatusNotified, models.StatusCancelled, true},
		{models.StatusNotified, models.StatusScheduled, false},
		{models.StatusCompleted, models.StatusPending, false},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusPending, false},
		{models.StatusCancelled, models.StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransition_SelfLoopsRejected(t *testing.T) {
	for _, s := range []models.Status{
		models.StatusPending,
		models.StatusScheduled,
		models.StatusNotified,
		models.StatusCompleted,
		models.StatusCancelled,
	} {
		if CanTransition(s, s) {
			t.Errorf("CanTransition(%s, %s) should be false", s, s)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(models.StatusCompleted) || !Terminal(models.StatusCancelled) {
		t.Error("completed and cancelled must be terminal")
	}
	if Terminal(models.StatusPending) || Terminal(models.StatusScheduled) || Terminal(models.StatusNotified) {
		t.Error("pending, scheduled, notified must not be terminal")
	}
	if Terminal(models.Status("bogus")) {
		t.Error("unknown status must not be terminal")
	}
}

func TestInitial(t *testing.T) {
	if Initial() != models.StatusPending {
		t.Errorf("Initial() = %s, want pending", Initial())
	}
}
