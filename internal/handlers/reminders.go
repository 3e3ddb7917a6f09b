package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/campushub/reminder-service/internal/auth"
	"github.com/campushub/reminder-service/internal/idempotency"
	"github.com/campushub/reminder-service/internal/lifecycle"
	"github.com/campushub/reminder-service/internal/messaging"
	"github.com/campushub/reminder-service/internal/metrics"
	"github.com/campushub/reminder-service/internal/models"
	"github.com/campushub/reminder-service/internal/problem"
	"github.com/campushub/reminder-service/internal/store"
)

// ReminderStore is the persistence surface the handlers run against.
// *store.PostgresStore implements it; tests use an in-memory fake.
type ReminderStore interface {
	CreateReminder(ctx context.Context, r *models.Reminder) error
	GetReminder(ctx context.Context, id string) (*models.Reminder, error)
	ListReminders(ctx context.Context, f store.ListFilter) ([]models.Reminder, int64, error)
	UpdateReminder(ctx context.Context, id string, f store.UpdateFields) (*models.Reminder, error)
	CancelReminder(ctx context.Context, id string) (*models.Reminder, error)
}

// Publisher delivers domain events. Failures are soft on the write path:
// the entity mutation is the source of truth, events are best-effort.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, data any) error
}

// RegisterReminderRoutes registers the reminder CRUD endpoints.
//
// POST   ""      create (Idempotency-Key required)
// GET    ""      list with pagination
// GET    /:id    fetch
// PATCH  /:id    partial update, status changes validated by the lifecycle
// DELETE /:id    soft-delete to cancelled
func RegisterReminderRoutes(r gin.IRoutes, st ReminderStore, guard *idempotency.Guard, pub Publisher, log *slog.Logger) {
	r.POST("", handleCreate(st, guard, pub, log))
	r.GET("", handleList(st, log))
	r.GET("/:id", handleGet(st, log))
	r.PATCH("/:id", handleUpdate(st, pub, log))
	r.DELETE("/:id", handleDelete(st, pub, log))
}

// ownedBy reports whether the request may see the reminder. Unauthenticated
// callers (internal orchestrator traffic) see everything; authenticated
// users only their own rows.
func ownedBy(c *gin.Context, r *models.Reminder) bool {
	user := auth.UserID(c)
	return user == "" || r.UserID == user
}

// parseRFC3339Future parses an RFC3339 timestamp that must lie in the future.
func parseRFC3339Future(value, field string) (time.Time, *problem.Problem) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, problem.Validation(field + " must be an RFC3339 timestamp")
	}
	t = t.UTC()
	if !t.After(time.Now().UTC()) {
		return time.Time{}, problem.Validation(field + " must be in the future")
	}
	return t, nil
}

func renderInternal(c *gin.Context, log *slog.Logger, op string, err error) {
	log.Error(op+" failed", "error", err, "trace_id", c.GetString(problem.TraceIDKey))
	problem.Internal().Render(c)
}

func handleCreate(st ReminderStore, guard *idempotency.Guard, pub Publisher, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			problem.Validation("Idempotency-Key header is required").Render(c)
			return
		}

		raw, err := c.GetRawData()
		if err != nil {
			problem.Validation("unable to read request body").Render(c)
			return
		}
		if len(raw) == 0 || !json.Valid(raw) {
			problem.Validation("request body must be valid JSON").Render(c)
			return
		}

		res, replayed, err := guard.Execute(c.Request.Context(), key, raw, func(ctx context.Context) (*idempotency.Result, error) {
			return createReminder(ctx, c, st, pub, log, raw)
		})
		if err != nil {
			var p *problem.Problem
			switch {
			case errors.Is(err, idempotency.ErrInvalidKey):
				problem.InvalidIdempotencyKey("Idempotency-Key must be a valid UUID v4").Render(c)
			case errors.Is(err, idempotency.ErrConflict):
				metrics.IdempotencyConflictsTotal.Inc()
				problem.IdempotencyConflict().Render(c)
			case errors.As(err, &p):
				p.Render(c)
			default:
				renderInternal(c, log, "create reminder", err)
			}
			return
		}

		if replayed {
			// Identical retry: stored body verbatim, but 200 since nothing
			// new was created.
			metrics.IdempotentReplaysTotal.Inc()
			c.Data(http.StatusOK, "application/json", res.Body)
			return
		}

		c.Header("Location", "/v1/reminders/"+res.ResourceID)
		c.Data(res.Status, "application/json", res.Body)
	}
}

// createReminder is the guarded creation path. Validation failures return
// a *problem.Problem; only a 2xx result is cached by the guard.
func createReminder(ctx context.Context, c *gin.Context, st ReminderStore, pub Publisher, log *slog.Logger, raw []byte) (*idempotency.Result, error) {
	var req models.CreateReminderRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, problem.Validation("invalid request payload")
	}

	userID := req.UserID
	if authUser := auth.UserID(c); authUser != "" {
		if userID == "" {
			userID = authUser
		} else if userID != authUser {
			return nil, problem.Validation("userId does not match the authenticated user")
		}
	}
	if userID == "" {
		return nil, problem.Validation("userId is required")
	}

	if !models.ValidTitle(req.Title) {
		return nil, problem.Validation(fmt.Sprintf("title must be between 1 and %d characters", models.MaxTitleLength))
	}

	if req.DueAt == "" {
		return nil, problem.Validation("dueAt is required")
	}
	dueAt, p := parseRFC3339Future(req.DueAt, "dueAt")
	if p != nil {
		return nil, p
	}

	source := req.Source
	if source == "" {
		source = models.SourceManual
	}
	if !source.Valid() {
		return nil, problem.Validation("source must be one of manual, LMS, calendar, external")
	}

	advance := models.DefaultAdvanceMinutes
	if req.AdvanceMinutes != nil {
		advance = *req.AdvanceMinutes
	}
	if !models.ValidAdvanceMinutes(advance) {
		return nil, problem.Validation(fmt.Sprintf("advanceMinutes must be between %d and %d",
			models.MinAdvanceMinutes, models.MaxAdvanceMinutes))
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	reminder := &models.Reminder{
		ID:             uuid.New().String(),
		UserID:         userID,
		Title:          req.Title,
		DueAt:          dueAt,
		Status:         lifecycle.Initial(),
		Source:         source,
		AdvanceMinutes: advance,
		Metadata:       metadata,
	}

	if err := st.CreateReminder(ctx, reminder); err != nil {
		return nil, err
	}
	metrics.RemindersCreatedTotal.Inc()

	if err := pub.Publish(ctx, messaging.RouteCreated, reminder); err != nil {
		log.Warn("reminder.created publish failed", "reminder_id", reminder.ID, "error", err)
	}

	body, err := json.Marshal(reminder)
	if err != nil {
		return nil, err
	}
	return &idempotency.Result{
		Status:     http.StatusCreated,
		Body:       body,
		ResourceID: reminder.ID,
	}, nil
}

func handleList(st ReminderStore, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := 1
		if v := c.Query("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				problem.Validation("page must be a positive integer").Render(c)
				return
			}
			page = n
		}

		limit := 20
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 100 {
				problem.Validation("limit must be between 1 and 100").Render(c)
				return
			}
			limit = n
		}

		status := models.Status(c.Query("status"))
		if status != "" && !status.Valid() {
			problem.Validation("status must be a valid reminder status").Render(c)
			return
		}

		userID := c.Query("userId")
		if userID == "" {
			userID = auth.UserID(c)
		}

		reminders, total, err := st.ListReminders(c.Request.Context(), store.ListFilter{
			UserID: userID,
			Status: status,
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			renderInternal(c, log, "list reminders", err)
			return
		}

		totalPages := int((total + int64(limit) - 1) / int64(limit))
		c.JSON(http.StatusOK, models.ReminderList{
			Data: reminders,
			Pagination: models.Pagination{
				Page:       page,
				Limit:      limit,
				Total:      total,
				TotalPages: totalPages,
			},
		})
	}
}

// fetchOwned loads a reminder and applies ownership filtering. A reminder
// belonging to another user is indistinguishable from a missing one.
func fetchOwned(c *gin.Context, st ReminderStore, log *slog.Logger) (*models.Reminder, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		problem.NotFound("reminder", id).Render(c)
		return nil, false
	}

	reminder, err := st.GetReminder(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		problem.NotFound("reminder", id).Render(c)
		return nil, false
	}
	if err != nil {
		renderInternal(c, log, "get reminder", err)
		return nil, false
	}
	if !ownedBy(c, reminder) {
		problem.NotFound("reminder", id).Render(c)
		return nil, false
	}
	return reminder, true
}

func handleGet(st ReminderStore, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reminder, ok := fetchOwned(c, st, log)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, reminder)
	}
}

func handleUpdate(st ReminderStore, pub Publisher, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		existing, ok := fetchOwned(c, st, log)
		if !ok {
			return
		}

		var req models.UpdateReminderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			problem.Validation("invalid request payload").Render(c)
			return
		}

		fields := store.UpdateFields{Metadata: req.Metadata}

		if req.Title != nil {
			if !models.ValidTitle(*req.Title) {
				problem.Validation(fmt.Sprintf("title must be between 1 and %d characters", models.MaxTitleLength)).Render(c)
				return
			}
			fields.Title = req.Title
		}

		if req.DueAt != nil {
			dueAt, p := parseRFC3339Future(*req.DueAt, "dueAt")
			if p != nil {
				p.Render(c)
				return
			}
			fields.DueAt = &dueAt
		}

		if req.AdvanceMinutes != nil {
			if !models.ValidAdvanceMinutes(*req.AdvanceMinutes) {
				problem.Validation(fmt.Sprintf("advanceMinutes must be between %d and %d",
					models.MinAdvanceMinutes, models.MaxAdvanceMinutes)).Render(c)
				return
			}
			fields.AdvanceMinutes = req.AdvanceMinutes
		}

		if req.Status != nil {
			if !req.Status.Valid() {
				problem.Validation("status must be a valid reminder status").Render(c)
				return
			}
			if !lifecycle.CanTransition(existing.Status, *req.Status) {
				problem.InvalidTransition(string(existing.Status), string(*req.Status)).Render(c)
				return
			}
			fields.Status = req.Status
			fields.ExpectStatus = existing.Status
		}

		if fields.Title == nil && fields.DueAt == nil && fields.Status == nil &&
			fields.AdvanceMinutes == nil && fields.Metadata == nil {
			// Empty patch: nothing to change.
			c.JSON(http.StatusOK, existing)
			return
		}

		updated, err := st.UpdateReminder(c.Request.Context(), existing.ID, fields)
		if errors.Is(err, store.ErrNotFound) {
			problem.NotFound("reminder", existing.ID).Render(c)
			return
		}
		if errors.Is(err, store.ErrStaleStatus) {
			// Lost a status race; the transition we validated no longer applies.
			problem.InvalidTransition(string(existing.Status), string(*req.Status)).Render(c)
			return
		}
		if err != nil {
			renderInternal(c, log, "update reminder", err)
			return
		}

		if err := pub.Publish(c.Request.Context(), messaging.RouteUpdated, updated); err != nil {
			log.Warn("reminder.updated publish failed", "reminder_id", updated.ID, "error", err)
		}

		c.JSON(http.StatusOK, updated)
	}
}

func handleDelete(st ReminderStore, pub Publisher, log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		existing, ok := fetchOwned(c, st, log)
		if !ok {
			return
		}

		cancelled, err := st.CancelReminder(c.Request.Context(), existing.ID)
		if errors.Is(err, store.ErrNotFound) {
			problem.NotFound("reminder", existing.ID).Render(c)
			return
		}
		if err != nil {
			renderInternal(c, log, "delete reminder", err)
			return
		}

		if err := pub.Publish(c.Request.Context(), messaging.RouteUpdated, cancelled); err != nil {
			log.Warn("reminder.updated publish failed", "reminder_id", cancelled.ID, "error", err)
		}

		c.Status(http.StatusNoContent)
	}
}
