// Package httputil holds the JSON request/response helpers shared by the
// HTTP services.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mcdev12/roundsync/go/internal/apperrors"
	"github.com/rs/zerolog/log"
)

const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeUnavailable = "UNAVAILABLE"
	CodeRejected    = "REJECTED"
	CodeInternal    = "INTERNAL_SERVER_ERROR"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return e.Message
}

func BadRequest(message string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: message}
}

// ToAPIError maps an error's kind to a status code.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		log.Error().Err(err).Msg("internal error")
		return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "Internal server error"}
	}

	switch appErr.Kind {
	case apperrors.KindValidation:
		return &APIError{Status: http.StatusBadRequest, Code: CodeValidation, Message: appErr.Error()}
	case apperrors.KindNotFound:
		return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: appErr.Error()}
	case apperrors.KindConflict:
		return &APIError{Status: http.StatusConflict, Code: CodeConflict, Message: appErr.Error()}
	case apperrors.KindTransientSync:
		return &APIError{Status: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: appErr.Error()}
	case apperrors.KindTerminal:
		return &APIError{Status: http.StatusUnprocessableEntity, Code: CodeRejected, Message: appErr.Error()}
	default:
		log.Error().Err(err).Msg("internal error")
		return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "Internal server error"}
	}
}

func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("failed to encode response")
		}
	}
}

func RespondOK(w http.ResponseWriter, data any) {
	RespondJSON(w, http.StatusOK, data)
}

func RespondCreated(w http.ResponseWriter, data any) {
	RespondJSON(w, http.StatusCreated, data)
}

func RespondError(w http.ResponseWriter, err error) {
	apiErr := ToAPIError(err)
	RespondJSON(w, apiErr.Status, apiErr)
}

// DecodeJSON decodes the request body into target.
func DecodeJSON(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return BadRequest("Request body is empty")
		}
		return BadRequest("Invalid JSON: " + err.Error())
	}
	return nil
}

// UUIDParam parses a chi URL parameter as a UUID.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	param := chi.URLParam(r, name)
	if param == "" {
		return uuid.Nil, BadRequest("Missing " + name + " parameter")
	}
	id, err := uuid.Parse(param)
	if err != nil {
		return uuid.Nil, BadRequest("Invalid " + name + " parameter")
	}
	return id, nil
}
