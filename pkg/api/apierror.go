// Package api is the HTTP boundary of the bargaining core. Error responses
// follow RFC 7807 (Problem Details for HTTP APIs) extended with the stable
// bargaining error code and a retryable hint.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/atlasfare/bargain/pkg/contracts"
)

// ProblemDetail implements RFC 7807. All API error responses use this
// format.
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
	// Code is the stable bargaining error code, when the failure maps to one.
	Code string `json:"code,omitempty"`
	// Retryable tells the client whether retrying (or requesting a fresh
	// round) can succeed without operator intervention.
	Retryable bool `json:"retryable,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("https://atlasfare.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WritePipelineError maps a bargaining pipeline error to its HTTP response,
// carrying the stable error code and retryable hint.
func WritePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	code := contracts.CodeFor(err)
	status := statusFor(code)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		// Internals are logged, never exposed.
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		detail = "An unexpected error occurred. Please try again later."
	}

	writeProblem(w, &ProblemDetail{
		Type:      fmt.Sprintf("https://atlasfare.dev/errors/%s", code),
		Title:     titleFor(code),
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		Code:      string(code),
		Retryable: contracts.Retryable(err),
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. The err is logged but never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func statusFor(code contracts.ErrorCode) int {
	switch code {
	case contracts.CodeSessionNotFound:
		return http.StatusNotFound
	case contracts.CodeOfferExpired:
		return http.StatusGone
	case contracts.CodeNoInventory,
		contracts.CodeNeverLoss,
		contracts.CodeSessionClosed,
		contracts.CodeRoundLimit,
		contracts.CodeNoValidOffer:
		return http.StatusConflict
	case contracts.CodeSignatureInvalid:
		return http.StatusUnprocessableEntity
	case contracts.CodeRoundTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func titleFor(code contracts.ErrorCode) string {
	switch code {
	case contracts.CodeNoInventory:
		return "No Inventory Available"
	case contracts.CodeNeverLoss:
		return "Price Below Cost Floor"
	case contracts.CodeOfferExpired:
		return "Offer Expired"
	case contracts.CodeSessionNotFound:
		return "Session Not Found"
	case contracts.CodeSessionClosed:
		return "Session Closed"
	case contracts.CodeRoundLimit:
		return "Round Limit Reached"
	case contracts.CodeRoundTimeout:
		return "Round Timed Out"
	case contracts.CodeSignatureInvalid:
		return "Offer Integrity Check Failed"
	case contracts.CodeNoValidOffer:
		return "No Valid Offer"
	default:
		return "Internal Server Error"
	}
}
