package upstream

import (
	"encoding/json"
	"net/http"
)

// Relay writes resp's status and every Set-Cookie header verbatim, followed
// by body encoded as JSON. A nil resp is relayed as 502 with no cookies.
func Relay(w http.ResponseWriter, resp *Response, body any) {
	status := http.StatusBadGateway
	if resp != nil {
		if resp.StatusCode != 0 {
			status = resp.StatusCode
		}
		for _, c := range resp.SetCookie {
			w.Header().Add("Set-Cookie", c)
		}
	}
	if body == nil {
		body = struct{}{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
