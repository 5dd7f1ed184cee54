package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/authgate/authorize"
	"github.com/jmcleod/authgate/credentials"
	"github.com/jmcleod/authgate/secondfactor"
)

const defaultErrorMessage = "There was an error completing the request."

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSuccess writes {"success": true} merged with the top-level fields of
// data, which must encode as a JSON object.
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope(true, data))
}

// writeError writes {"success": false, "message": msg} merged with extra.
func writeError(w http.ResponseWriter, status int, msg string, extra ...any) {
	var data any
	if len(extra) > 0 {
		data = extra[0]
	}
	body := envelope(false, data)
	body["message"] = msg
	writeJSON(w, status, body)
}

func envelope(success bool, data any) map[string]any {
	body := map[string]any{}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			if err := json.Unmarshal(raw, &body); err != nil {
				body = map[string]any{"data": data}
			}
		}
	}
	body["success"] = success
	return body
}

// mapError converts a domain error into the client-visible envelope.
func mapError(w http.ResponseWriter, err error) {
	var sfErr *secondfactor.Error
	if errors.As(err, &sfErr) {
		writeError(w, sfErr.Status, sfErr.Message, sfErr.Detail)
		return
	}

	switch {
	case errors.Is(err, authorize.ErrMissingFingerprint):
		writeError(w, http.StatusBadRequest, "Browser fingerprint must be supplied.")
	case errors.Is(err, authorize.ErrInvalidScope):
		writeError(w, http.StatusBadRequest, "Valid domain scope must be supplied.")
	case errors.Is(err, authorize.ErrMissingID):
		writeError(w, http.StatusBadRequest, "Authorization ID must be supplied.")
	case errors.Is(err, authorize.ErrMissingUsername):
		writeError(w, http.StatusBadRequest, "Authorization username must be supplied.")
	case errors.Is(err, authorize.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "No user exists with this username.")
	case errors.Is(err, authorize.ErrNotFound):
		writeError(w, http.StatusNotFound, "No such authorization request exists.")
	case errors.Is(err, authorize.ErrExpired):
		writeError(w, http.StatusForbidden, "This request is past expiry, and cannot be approved.")
	case errors.Is(err, authorize.ErrFingerprintMismatch):
		writeError(w, http.StatusForbidden, "Authorization ID mismatch with requesting client fingerprint.")
	case errors.Is(err, authorize.ErrUpstream):
		// The provider owns the failure; pass it on with an empty body.
		writeJSON(w, http.StatusBadGateway, struct{}{})
	case errors.Is(err, credentials.ErrFingerprintNotFound):
		writeError(w, http.StatusNotFound, "No such fingerprint exists.")
	case errors.Is(err, credentials.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "Specified username does not exist in the users database.")
	case errors.Is(err, credentials.ErrInvalid):
		writeError(w, http.StatusBadRequest, "The request is missing a required field.")
	case errors.Is(err, credentials.ErrConflict):
		writeError(w, http.StatusConflict, "The record was modified concurrently; please try again.")
	default:
		writeError(w, http.StatusInternalServerError, defaultErrorMessage)
	}
}
