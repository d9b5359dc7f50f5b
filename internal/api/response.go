package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/cart"
	"github.com/stepherg/storefrontgw/internal/media"
	"github.com/stepherg/storefrontgw/internal/store"
	"github.com/stepherg/storefrontgw/internal/validate"
)

// Response is the envelope of every JSON response.
type Response struct {
	Data  any    `json:"data"`
	Error *Error `json:"error"`
}

type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Data: data})
}

func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, Response{Data: data})
}

func fail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Response{Error: &Error{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) {
	fail(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

// failErr maps service errors to statuses. Anything unrecognized is a 500
// whose cause is logged, not returned.
func failErr(w http.ResponseWriter, r *http.Request, err error) {
	var fields validate.Errors
	switch {
	case errors.As(err, &fields):
		writeJSON(w, http.StatusBadRequest, Response{Error: &Error{
			Code:    "VALIDATION_FAILED",
			Message: "Validation failed",
			Fields:  fields,
		}})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, cart.ErrNotInCart):
		fail(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrConflict):
		fail(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, cart.ErrUnavailable):
		fail(w, http.StatusUnprocessableEntity, "UNAVAILABLE", err.Error())
	case errors.Is(err, media.ErrUnsupported):
		fail(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", err.Error())
	case errors.Is(err, media.ErrTooLarge):
		fail(w, http.StatusRequestEntityTooLarge, "TOO_LARGE", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		fail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
