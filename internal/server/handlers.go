package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/JohnPlummer/llm-orchestrator/batch"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
	"github.com/JohnPlummer/llm-orchestrator/provider"
	"github.com/JohnPlummer/llm-orchestrator/retry"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	// Accepted lists batch items queued before the failure; they still run.
	Accepted []string `json:"accepted,omitempty"`
}

// CompleteRequest is the body of POST /v1/complete and one entry of a batch
type CompleteRequest struct {
	ID        string           `json:"id,omitempty"`
	Provider  string           `json:"provider,omitempty"`
	Prompt    string           `json:"prompt"`
	Options   provider.Options `json:"options"`
	CacheTTL  string           `json:"cache_ttl,omitempty"`
	SkipCache bool             `json:"skip_cache,omitempty"`
	Priority  int              `json:"priority,omitempty"`
}

// CompleteResponse is the body of a successful completion
type CompleteResponse struct {
	Text        string `json:"text"`
	Provider    string `json:"provider"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Cached      bool   `json:"cached"`
	Shared      bool   `json:"shared"`
	Attempts    int    `json:"attempts"`
	DurationMS  int64  `json:"duration_ms"`
}

// BatchSubmitRequest is the body of POST /v1/batch
type BatchSubmitRequest struct {
	Requests []CompleteRequest `json:"requests"`
}

// BatchItem reports one queued request
type BatchItem struct {
	ID          string            `json:"id"`
	Status      batch.Status      `json:"status"`
	Priority    int               `json:"priority"`
	Result      *CompleteResponse `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.orch.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{
		"healthy": health.Healthy,
		"status":  health.Status,
		"details": health.Details,
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body CompleteRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	req, err := body.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	result, err := s.orch.Complete(r.Context(), req)
	if err != nil {
		s.handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toCompleteResponse(result))
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var body BatchSubmitRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(body.Requests) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "requests must not be empty")
		return
	}

	reqs := make([]orchestrator.Request, len(body.Requests))
	seen := make(map[string]bool, len(body.Requests))
	for i, item := range body.Requests {
		req, err := item.toRequest()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("request %d: %v", i, err))
			return
		}
		if req.ID != "" {
			_, tracked := s.orch.Batch().Status(req.ID)
			if seen[req.ID] || tracked {
				respondError(w, http.StatusConflict, "duplicate_id", fmt.Sprintf("request %d: %s: %s", i, batch.ErrDuplicateID, req.ID))
				return
			}
			seen[req.ID] = true
		}
		reqs[i] = req
	}

	ids := make([]string, 0, len(reqs))
	for i, req := range reqs {
		id, _, err := s.orch.SubmitAsync(req, body.Requests[i].Priority)
		if err != nil {
			s.writeError(w, err, ids)
			return
		}
		ids = append(ids, id)
	}

	s.logger.Info("Batch submitted", "requests", len(ids))
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"ids": ids,
	})
}

func (s *Server) handleBatchList(w http.ResponseWriter, r *http.Request) {
	statuses := s.orch.Batch().AllStatuses()
	items := make([]BatchItem, 0, len(statuses))
	for _, resp := range statuses {
		items = append(items, toBatchItem(resp))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"items":      items,
		"queue_size": s.orch.Batch().QueueSize(),
	})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, ok := s.orch.Batch().Status(id)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no batch item %q", id))
		return
	}
	respondJSON(w, http.StatusOK, toBatchItem(resp))
}

func (s *Server) handleBatchClear(w http.ResponseWriter, r *http.Request) {
	removed := s.orch.Batch().ClearCompleted()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}

// handleError maps orchestration errors to HTTP responses
func (s *Server) handleError(w http.ResponseWriter, err error) {
	s.writeError(w, err, nil)
}

func (s *Server) writeError(w http.ResponseWriter, err error, accepted []string) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "status", status, "error", err, "accepted", len(accepted))
	}
	respondJSON(w, status, ErrorResponse{
		Error:    code,
		Message:  err.Error(),
		Kind:     retry.Classify(err).String(),
		Accepted: accepted,
	})
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyPrompt), errors.Is(err, orchestrator.ErrPromptTooLong):
		return http.StatusBadRequest, "invalid_prompt"
	case errors.Is(err, orchestrator.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, batch.ErrDuplicateID):
		return http.StatusConflict, "duplicate_id"
	case errors.Is(err, batch.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	case orchestrator.IsCircuitOpen(err):
		return http.StatusServiceUnavailable, "provider_unavailable"
	}

	switch retry.Classify(err) {
	case retry.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case retry.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case retry.KindCanceled:
		return http.StatusServiceUnavailable, "canceled"
	case retry.KindBadRequest:
		return http.StatusBadRequest, "provider_rejected"
	case retry.KindAuth, retry.KindEmptyResponse, retry.KindServer, retry.KindProviderFault,
		retry.KindConnectionReset, retry.KindConnectionRefused, retry.KindHostNotFound:
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (c CompleteRequest) toRequest() (orchestrator.Request, error) {
	req := orchestrator.Request{
		ID:        c.ID,
		Provider:  c.Provider,
		Prompt:    c.Prompt,
		Options:   c.Options,
		SkipCache: c.SkipCache,
	}
	if c.CacheTTL != "" {
		ttl, err := time.ParseDuration(c.CacheTTL)
		if err != nil {
			return req, fmt.Errorf("invalid cache_ttl: %w", err)
		}
		req.CacheTTL = ttl
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return req, orchestrator.ErrEmptyPrompt
	}
	return req, nil
}

func toCompleteResponse(result *orchestrator.Result) *CompleteResponse {
	if result == nil {
		return nil
	}
	return &CompleteResponse{
		Text:        result.Text,
		Provider:    result.Provider,
		Fingerprint: result.Fingerprint,
		Cached:      result.Cached,
		Shared:      result.Shared,
		Attempts:    result.Attempts,
		DurationMS:  result.Duration.Milliseconds(),
	}
}

func toBatchItem(resp batch.Response[*orchestrator.Result]) BatchItem {
	item := BatchItem{
		ID:          resp.ID,
		Status:      resp.Status,
		Priority:    resp.Priority,
		Result:      toCompleteResponse(resp.Result),
		SubmittedAt: resp.SubmittedAt,
	}
	if resp.Err != nil {
		item.Error = resp.Err.Error()
	}
	if !resp.StartedAt.IsZero() {
		started := resp.StartedAt
		item.StartedAt = &started
	}
	if !resp.EndedAt.IsZero() {
		ended := resp.EndedAt
		item.EndedAt = &ended
	}
	return item
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
