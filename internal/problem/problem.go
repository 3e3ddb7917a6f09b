// Package problem renders errors as RFC 7807 application/problem+json
// bodies with a stable type per failure class and a trace identifier for
// correlation.
package problem

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContentType is the RFC 7807 media type.
const ContentType = "application/problem+json"

// TraceIDKey is the gin context key under which the request-scoped trace
// identifier is stored by the request-id middleware.
const TraceIDKey = "trace_id"

// Stable problem type identifiers. Clients match on these, not on detail text.
const (
	TypeValidation            = "/problems/validation-error"
	TypeInvalidIdempotencyKey = "/problems/invalid-idempotency-key"
	TypeIdempotencyConflict   = "/problems/idempotency-conflict"
	TypeInvalidTransition     = "/problems/invalid-transition"
	TypeNotFound              = "/problems/not-found"
	TypeUnauthorized          = "/problems/unauthorized"
	TypeInternal              = "/problems/internal-error"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Status  int    `json:"status"`
	Detail  string `json:"detail"`
	TraceID string `json:"traceId,omitempty"`
}

// Error implements the error interface so a Problem can flow through
// layers that return plain errors.
func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// Render writes the problem body, attaching the request's trace identifier.
func (p *Problem) Render(c *gin.Context) {
	body := *p
	body.TraceID = c.GetString(TraceIDKey)
	c.Header("Content-Type", ContentType)
	c.JSON(p.Status, body)
}

// Validation is a 400 for malformed or out-of-range input.
func Validation(detail string) *Problem {
	return &Problem{
		Type:   TypeValidation,
		Title:  "Validation Error",
		Status: http.StatusBadRequest,
		Detail: detail,
	}
}

// InvalidIdempotencyKey is a 400 for a missing or malformed Idempotency-Key.
func InvalidIdempotencyKey(detail string) *Problem {
	return &Problem{
		Type:   TypeInvalidIdempotencyKey,
		Title:  "Invalid Idempotency Key",
		Status: http.StatusBadRequest,
		Detail: detail,
	}
}

// IdempotencyConflict is a 409 for key reuse with a different request body.
func IdempotencyConflict() *Problem {
	return &Problem{
		Type:   TypeIdempotencyConflict,
		Title:  "Idempotency Conflict",
		Status: http.StatusConflict,
		Detail: "a different request with the same Idempotency-Key was previously processed",
	}
}

// InvalidTransition is a 409 for an illegal status edge.
func InvalidTransition(from, to string) *Problem {
	return &Problem{
		Type:   TypeInvalidTransition,
		Title:  "Invalid Transition",
		Status: http.StatusConflict,
		Detail: fmt.Sprintf("cannot transition from '%s' to '%s'", from, to),
	}
}

// NotFound is a 404 for an unknown or not-owned resource.
func NotFound(resource, id string) *Problem {
	return &Problem{
		Type:   TypeNotFound,
		Title:  "Not Found",
		Status: http.StatusNotFound,
		Detail: fmt.Sprintf("%s with ID '%s' not found", resource, id),
	}
}

// Unauthorized is a 401 for a malformed bearer token.
func Unauthorized(detail string) *Problem {
	return &Problem{
		Type:   TypeUnauthorized,
		Title:  "Unauthorized",
		Status: http.StatusUnauthorized,
		Detail: detail,
	}
}

// Internal is a 500 that never leaks store or broker internals.
func Internal() *Problem {
	return &Problem{
		Type:   TypeInternal,
		Title:  "Internal Server Error",
		Status: http.StatusInternalServerError,
		Detail: "an unexpected error occurred",
	}
}
