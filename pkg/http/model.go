package http

// APIResponse is the envelope used for errors and admin responses.
// Forecast payloads are written bare.
type APIResponse struct {
	Status  int         `json:"status" example:"200"`
	Message string      `json:"message" example:"OK"`
	Data    interface{} `json:"data,omitempty"`
}

// ValidationError represents validation error detail.
type ValidationError struct {
	Code    string                 `json:"code,omitempty" example:"ERR_REQUIRED"`
	Field   string                 `json:"field,omitempty" example:"horizon_steps"`
	Message string                 `json:"message,omitempty" example:"horizon_steps is required"`
	Params  map[string]interface{} `json:"params,omitempty"`
}
