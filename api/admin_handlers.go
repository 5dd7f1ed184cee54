package api

import (
	"log/slog"
	"net/http"
	"sort"
)

// AddFingerprint handles POST /admin/fingerprint/add. Adding a fingerprint
// that is already trusted renames it.
func (a *API) AddFingerprint(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[AddFingerprintRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.Name == "" || req.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "You must specify both the name and fingerprint.")
		return
	}
	fp, err := a.store.AddFingerprint(r.Context(), req.Name, req.Fingerprint, req.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditFingerprintAdded, r, req.Username,
		slog.String("fingerprint_id", fp.ID), slog.String("name", fp.Name))
	writeSuccess(w, map[string]string{"id": fp.ID})
}

// ListFingerprints handles POST /admin/fingerprint/list.
func (a *API) ListFingerprints(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListFingerprints(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	out := make([]FingerprintSummary, 0, len(list))
	for _, f := range list {
		out = append(out, summarizeFingerprint(f))
	}
	writeSuccess(w, ListFingerprintsResponse{Fingerprints: out})
}

// RevokeFingerprint handles POST /admin/fingerprint/revoke.
func (a *API) RevokeFingerprint(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[IDRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Fingerprint ID must be supplied.")
		return
	}
	if err := a.store.RevokeFingerprint(r.Context(), req.ID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditFingerprintRevoked, r, slog.String("fingerprint_id", req.ID))
	writeSuccess(w, nil)
}

// SecurityKeyRegisterChallenge handles POST /admin/u2f/register-challenge.
func (a *API) SecurityKeyRegisterChallenge(w http.ResponseWriter, r *http.Request) {
	if a.securityKey == nil {
		writeError(w, http.StatusNotFound, "Security key logins are not configured on this server.")
		return
	}
	req, ok := decodeJSON[UsernameRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	options, err := a.securityKey.BeginRegistration(r.Context(), req.Username)
	if err != nil {
		mapError(w, err)
		return
	}
	writeSuccess(w, options)
}

// SecurityKeyRegisterVerify handles POST /admin/u2f/register-verify.
func (a *API) SecurityKeyRegisterVerify(w http.ResponseWriter, r *http.Request) {
	if a.securityKey == nil {
		writeError(w, http.StatusNotFound, "Security key logins are not configured on this server.")
		return
	}
	req, ok := decodeJSON[RegisterVerifyRequest](w, r, maxCeremonyBodySize)
	if !ok {
		return
	}
	if err := a.securityKey.FinishRegistration(r.Context(), req.Username, rawBody(req.RegisterResponse)); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSecurityKeyRegistered, r, req.Username)
	writeSuccess(w, nil)
}

// ListSecurityKeyUsers handles POST /admin/u2f/list.
func (a *API) ListSecurityKeyUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsersWithKeys(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if users == nil {
		users = []string{}
	}
	writeSuccess(w, ListSecurityKeyUsersResponse{Users: users})
}

// BlacklistEntries handles GET /blacklist: every live entry, including
// addresses that have failed but are still under the threshold.
func (a *API) BlacklistEntries(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]any{"entries": a.blacklist.Entries()})
}

// AdminBlacklist handles GET /admin/blacklist/list.
func (a *API) AdminBlacklist(w http.ResponseWriter, r *http.Request) {
	entries := a.blacklist.Entries()
	ttl := a.blacklist.TTL()
	out := make([]BlacklistEntry, 0, len(entries))
	for ip, e := range entries {
		row := BlacklistEntry{
			IP:            ip,
			Count:         e.Count,
			Timestamp:     e.Timestamp,
			IsBlacklisted: e.Count >= a.blacklist.Threshold(),
		}
		if ttl > 0 {
			row.Expiry = e.Timestamp.Add(ttl)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	writeSuccess(w, map[string]any{"entries": out})
}

// RemoveBlacklistEntry handles POST /admin/blacklist/remove.
func (a *API) RemoveBlacklistEntry(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RemoveBlacklistRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	ip, valid := parseIPCandidate(req.IP)
	if !valid {
		writeError(w, http.StatusBadRequest, "A valid IP address must be supplied.")
		return
	}
	a.blacklist.Remove(ip)
	a.audit.log(AuditBlacklistRemoved, r, slog.String("ip", ip))
	writeSuccess(w, nil)
}
