package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/collector"
	"github.com/JakeFAU/pncp-monitor/internal/procurement"
	"github.com/JakeFAU/pncp-monitor/internal/store"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
	defaultRunLimit    = 20
	maxRunLimit        = 200
	maxNoteBytes       = 8 << 10
)

var errBadRequest = errors.New("bad request")

type triggerRequest struct {
	DateRangeDays int      `json:"date_range_days"`
	Regions       []string `json:"regions"`
}

type noteRequest struct {
	Note string `json:"note"`
}

// triggerCollection handles POST /v1/collections. The body is optional. It
// returns 202 with the initial progress, 409 when a run is in flight, or 400
// when the request fails validation (the rejected run is still recorded).
func (s *Server) triggerCollection(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.collector.Start(collector.Request{
		DateRangeDays: req.DateRangeDays,
		Regions:       req.Regions,
		Trigger:       collector.TriggerManual,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

// currentRun handles GET /v1/collections/current.
func (s *Server) currentRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"run": s.collector.Progress()})
}

// listRuns handles GET /v1/collections?limit=, newest first.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []procurement.CollectionRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// queryRecords handles GET /v1/records?status=&q=&limit=&offset=.
func (s *Server) queryRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	filter := procurement.Filter{
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
		Limit:  limit,
		Offset: offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		st, parseErr := procurement.ParseStatus(strings.ToLower(raw))
		if parseErr != nil {
			s.fail(w, r, fmt.Errorf("%w: %w", errBadRequest, parseErr))
			return
		}
		filter.Status = st
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	records, err := s.store.Query(ctx, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []procurement.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// getRecord handles GET /v1/records/{control_number}.
func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rec, err := s.store.Get(ctx, chi.URLParam(r, "control_number"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"record": rec})
}

// markViewed handles POST /v1/records/{control_number}/viewed.
func (s *Server) markViewed(w http.ResponseWriter, r *http.Request) {
	cn := chi.URLParam(r, "control_number")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.store.MarkViewed(ctx, cn); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"control_number": cn, "viewed": true})
}

// annotate handles PUT /v1/records/{control_number}/note with {"note": "..."}.
// An empty note clears it.
func (s *Server) annotate(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNoteBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cn := chi.URLParam(r, "control_number")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	if err := s.store.Annotate(ctx, cn, req.Note); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"control_number": cn, "note": store.NoteValue(req.Note)})
}

// fail maps domain errors to HTTP statuses. Unexpected errors are logged and
// hidden behind a generic message.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, collector.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, collector.ErrInvalidRequest), errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "store timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit", errBadRequest)
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset", errBadRequest)
		}
		offset = val
	}
	return limit, offset, nil
}
