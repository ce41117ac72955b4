package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// ApprovalSubmitter applies a decision carried by a callback token.
// Implemented by Orchestrator.
type ApprovalSubmitter interface {
	SubmitApproval(ctx context.Context, token, decision string, response map[string]any) (*Approval, error)
}

// CallbackHandler serves POST /callbacks/{token}: the endpoint
// approval links point at. The token in the path is the only
// credential.
//
// Status mapping:
//
//	200 decision accepted
//	401 token signature invalid or no signing key configured
//	404 approval row gone
//	409 already decided
//	410 expired (checked before 409)
//	422 decision not in the permitted set or response fails the schema
//
// Register with:
//
//	mux.Handle("POST /callbacks/{token}", flow.NewCallbackHandler(orch))
type CallbackHandler struct {
	submitter ApprovalSubmitter
}

// NewCallbackHandler creates the callback endpoint handler.
func NewCallbackHandler(s ApprovalSubmitter) *CallbackHandler {
	return &CallbackHandler{submitter: s}
}

// callbackRequest is the decision payload.
type callbackRequest struct {
	Decision     string         `json:"decision"`
	ResponseData map[string]any `json:"response_data"`
}

// callbackResponse is the success body. The raw token is never echoed
// back.
type callbackResponse struct {
	ApprovalID string `json:"approval_id"`
	WorkflowID string `json:"workflow_id"`
	Decision   string `json:"decision"`
	Status     string `json:"status"`
}

type callbackError struct {
	Error string `json:"error"`
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, callbackError{Error: "method not allowed"})
		return
	}
	token := r.PathValue("token")
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, callbackError{Error: "missing token"})
		return
	}

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, callbackError{Error: "invalid request body"})
		return
	}

	ap, err := h.submitter.SubmitApproval(r.Context(), token, req.Decision, req.ResponseData)
	if err != nil {
		writeJSON(w, callbackStatus(err), callbackError{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{
		ApprovalID: ap.ID,
		WorkflowID: ap.WorkflowID,
		Decision:   ap.Decision,
		Status:     string(ap.Status),
	})
}

// callbackStatus maps kernel errors to HTTP statuses.
func callbackStatus(err error) int {
	switch {
	case errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrApprovalExpired):
		return http.StatusGone
	case errors.Is(err, ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidDecision):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
