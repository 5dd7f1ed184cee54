package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

const (
	maxSmallBodySize = 16 << 10
	// maxCeremonyBodySize covers security key attestations, which carry
	// certificate chains.
	maxCeremonyBodySize = 256 << 10
)

// decodeJSON reads a JSON body of at most limit bytes. An empty body decodes
// to the zero value so handlers report the specific missing field.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "The request body is too large.")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "The request body is not valid JSON.")
		return v, false
	}
	return v, true
}
