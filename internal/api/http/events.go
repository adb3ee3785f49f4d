package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/internal/ingest"
)

// maxEventBody bounds a webhook payload.
const maxEventBody = 4 << 20

// EventProcessor ingests a batch of trigger events.
type EventProcessor interface {
	ProcessAll(ctx context.Context, events []ingest.Event) ([]*ingest.Outcome, error)
}

// EventResult is the per-event part of an EventsResponse.
type EventResult struct {
	EventID          string `json:"event_id"`
	Key              string `json:"key"`
	Partition        string `json:"partition,omitempty"`
	State            string `json:"state"`
	Rows             int64  `json:"rows,omitempty"`
	Files            int    `json:"files,omitempty"`
	SchemaVersion    int    `json:"schema_version,omitempty"`
	RegistrationOnly bool   `json:"registration_only,omitempty"`
	Error            string `json:"error,omitempty"`
	Code             string `json:"code,omitempty"`
	Retryable        bool   `json:"retryable,omitempty"`
}

// EventsResponse is the body returned by POST /v1/events.
type EventsResponse struct {
	Results   []EventResult `json:"results"`
	RequestID string        `json:"request_id"`
}

// EventHandler handles POST /v1/events requests.
//
// The status tells the trigger source what to do with the delivery: 200
// when every event is done, 503 when any failure is retryable (redeliver),
// and 422 when failures are fatal (do not redeliver).
type EventHandler struct {
	processor EventProcessor
	timeout   time.Duration
	logger    *slog.Logger
}

// NewEventHandler creates a new event handler. A zero timeout leaves the
// request context unbounded.
func NewEventHandler(processor EventProcessor, timeout time.Duration, logger *slog.Logger) *EventHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHandler{
		processor: processor,
		timeout:   timeout,
		logger:    logger.With("component", "http"),
	}
}

// ServeHTTP handles the events HTTP request.
func (h *EventHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err), requestID)
		return
	}
	if len(body) > maxEventBody {
		writeError(w, http.StatusRequestEntityTooLarge, "event payload too large", requestID)
		return
	}

	events, err := ingest.ParseEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	outcomes, err := h.processor.ProcessAll(ctx, events)
	if err != nil && len(outcomes) == 0 {
		writeError(w, http.StatusServiceUnavailable, err.Error(), requestID)
		return
	}

	resp := EventsResponse{Results: make([]EventResult, 0, len(outcomes)), RequestID: requestID}
	status := http.StatusOK
	for _, out := range outcomes {
		if out == nil {
			continue
		}
		res := toResult(out)
		switch {
		case out.Succeeded():
		case res.Retryable:
			status = http.StatusServiceUnavailable
		case status == http.StatusOK:
			status = http.StatusUnprocessableEntity
		}
		resp.Results = append(resp.Results, res)
	}

	h.logger.Debug("events handled",
		"request_id", requestID,
		"correlation_id", GetCorrelationID(r.Context()),
		"events", len(events),
		"status", status,
	)
	writeJSON(w, status, resp)
}

func toResult(out *ingest.Outcome) EventResult {
	res := EventResult{
		EventID:          out.Event.ID,
		Key:              out.Event.Key,
		Partition:        out.Partition,
		State:            out.State.String(),
		Rows:             out.Rows,
		SchemaVersion:    out.Schema.Version,
		RegistrationOnly: out.RegistrationOnly,
	}
	if out.Write != nil {
		res.Files = len(out.Write.FilesWritten)
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
		res.Code = apperrors.GetCode(out.Err)
		// Cancelled or timed-out events are safe to redeliver
		res.Retryable = apperrors.IsRetryable(out.Err) ||
			errors.Is(out.Err, context.Canceled) ||
			errors.Is(out.Err, context.DeadlineExceeded)
	}
	return res
}
