package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/leca/imagevault/internal/apperr"
)

// Response is the envelope of every JSON response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// SuccessResponse wraps data in a success envelope.
func SuccessResponse(data any) Response {
	return Response{Success: true, Data: data}
}

// ErrorResponse builds the failure envelope for e. Internal errors never
// expose their cause.
func ErrorResponse(e *apperr.Error) Response {
	return Response{
		Success: false,
		Error:   e.Message,
		Code:    e.Code,
		Details: e.Details,
	}
}

// WriteJSON serialises resp as JSON and writes it to w with the given HTTP status code.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to encode response")
	}
}

// OK writes data in a 200 success envelope.
func OK(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, r, http.StatusOK, SuccessResponse(data))
}

// Created writes data in a 201 success envelope.
func Created(w http.ResponseWriter, r *http.Request, data any) {
	WriteJSON(w, r, http.StatusCreated, SuccessResponse(data))
}
