// Package server provides the status HTTP server of the connector.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// NotifyRequest is the HTTP request body announcing a new local file.
type NotifyRequest struct {
	// Path is the absolute or working-directory-relative path of the file.
	Path string `json:"path" validate:"required,filepath"`
}

// NotifyResponse reports whether a worker picked up the notification.
type NotifyResponse struct {
	Matched bool `json:"matched"`
}

// FlushResponse is returned after a manifest write.
type FlushResponse struct {
	Manifest string `json:"manifest"`
	Entries  int    `json:"entries"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
