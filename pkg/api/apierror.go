// Package api exposes the bridge core over REST: plan submission and
// inspection, approvals, module manifests, the intent verifier, and the
// scanner pipeline. Error responses follow RFC 7807.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request via X-Request-ID.
	TraceID string `json:"trace_id,omitempty"`
	// Class is the stable error classification string shared with the
	// audit trail ("permission_denied", "input_scan_rejected", ...).
	Class string `json:"class,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://llmos-bridge.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// classifier is the Class() convention every bridge domain error
// implements.
type classifier interface{ Class() string }

// statusForClass maps classification strings to HTTP status codes.
// Unknown classes fall back to 500.
func statusForClass(class string) (int, string) {
	switch class {
	case "parse_error", "validation_error", "dependency_cycle",
		"unknown_module", "action_not_found", "template_resolution_error":
		return http.StatusBadRequest, "Bad Request"
	case "permission_denied", "policy_denied", "approval_rejected":
		return http.StatusForbidden, "Forbidden"
	case "input_scan_rejected", "suspicious_intent":
		return http.StatusUnprocessableEntity, "Unprocessable Entity"
	case "rate_limited", "too_many_plans":
		return http.StatusTooManyRequests, "Too Many Requests"
	case "version_requirement_unmet", "cancelled":
		return http.StatusConflict, "Conflict"
	case "timeout":
		return http.StatusGatewayTimeout, "Gateway Timeout"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// WriteClassified maps a domain error to its HTTP status via the
// Class() convention, carrying the class in the problem body so
// clients can branch without parsing prose.
func WriteClassified(w http.ResponseWriter, r *http.Request, err error) {
	var c classifier
	if !errors.As(err, &c) {
		WriteInternal(w, err)
		return
	}
	class := c.Class()
	status, title := statusForClass(class)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal server error", "class", class, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://llmos-bridge.dev/errors/%s", class),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Class:    class,
	})
}
