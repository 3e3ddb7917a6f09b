// Package lifecycle holds the reminder status transition table.
//
// Every status change, whether a direct PATCH update or the scanner's
// scheduled to notified edge, must pass CanTransition before it is
// persisted.
package lifecycle

import "github.com/campushub/reminder-service/internal/models"

// transitions maps each status to the statuses reachable from it.
// completed and cancelled are terminal.
var transitions = map[models.Status][]models.Status{
	models.StatusPending:   {models.StatusScheduled, models.StatusCancelled},
	models.StatusScheduled: {models.StatusNotified, models.StatusCancelled},
	models.StatusNotified:  {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

// Initial is the only status a reminder can be created in.
func Initial() models.Status {
	return models.StatusPending
}

// CanTransition reports whether a reminder may move from one status to another.
func CanTransition(from, to models.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func Terminal(s models.Status) bool {
	return len(transitions[s]) == 0 && s.Valid()
}
