package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries request correlation data in every envelope.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// SubmitEventRequest is the body of POST /api/events.
type SubmitEventRequest struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// SubmitSymptomsRequest is the body of POST /api/submit-symptoms.
type SubmitSymptomsRequest struct {
	Text   string  `json:"text"`
	Vitals *Vitals `json:"vitals,omitempty"`
}

// SubmitRunRequest is the body of POST /api/agents/run.
type SubmitRunRequest struct {
	Task   string         `json:"task"`
	Params map[string]any `json:"params,omitempty"`
}

// SubmitRunResponse acknowledges an accepted run.
type SubmitRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// RunResult is the point-in-time view of a run returned by
// GET /api/agents/runs/{run_id}.
type RunResult struct {
	RunID        string      `json:"runId"`
	Task         string      `json:"task"`
	Status       RunStatus   `json:"status"`
	Steps        []StepEvent `json:"steps"`
	FinalMessage string      `json:"final_message,omitempty"`
	Error        string      `json:"error,omitempty"`
}
