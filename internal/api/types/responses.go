package types

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

// TriggerResponse answers an accepted webhook.
type TriggerResponse struct {
	RunID     string `json:"run_id"`
	Target    string `json:"target"`
	State     string `json:"state"`
	Coalesced bool   `json:"coalesced"`
}
