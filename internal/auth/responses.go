// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. All messages are plain ASCII - no
// user-controlled input is interpolated, so string concat is safe here.
package auth

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"
)

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	writeMessage(w, http.StatusInternalServerError, "internal server error")
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response.
// Keep message generic on credential failures to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response. The message names which check failed
// (csrf, lockout, role) so clients can tell them apart.
func Forbidden(w http.ResponseWriter, r *http.Request, message string) {
	logInfo(r, "request forbidden", "reason", message)
	writeMessage(w, http.StatusForbidden, message)
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusNotFound, message)
}

// Conflict returns a 409 JSON response.
func Conflict(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusConflict, message)
}

// TooManyRequests returns a 429 with Retry-After in whole seconds (rounded up, at least 1)
// and a body naming the limited action.
func TooManyRequests(w http.ResponseWriter, action string, retryAfter time.Duration) {
	secs := max(int(math.Ceil(retryAfter.Seconds())), 1)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"message":"too many requests","action":"` + action + `"}`))
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}

// Created returns a 201 JSON response with the given message.
func Created(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusCreated, message)
}
