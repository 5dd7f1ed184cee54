package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// defaultAuthorizeInterval is the steady-state spacing between
	// authorization requests from one IP.
	defaultAuthorizeInterval = 12 * time.Second
	// defaultAuthorizeBurst is the number of requests an idle IP may make
	// back to back.
	defaultAuthorizeBurst = 3
	// throttleIdle is how long an IP's bucket may sit unused before sweep
	// reclaims it.
	throttleIdle = 1 * time.Hour
)

// requestThrottle is a token bucket per source IP. It guards endpoints that
// page an operator, where a flood from one client is a nuisance even when
// every request is well formed.
type requestThrottle struct {
	every rate.Limit
	burst int
	clock clockwork.Clock

	mu      sync.Mutex
	buckets map[string]*throttleBucket
}

type throttleBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRequestThrottle(interval time.Duration, burst int, clock clockwork.Clock) *requestThrottle {
	if interval <= 0 {
		interval = defaultAuthorizeInterval
	}
	if burst <= 0 {
		burst = defaultAuthorizeBurst
	}
	return &requestThrottle{
		every:   rate.Every(interval),
		burst:   burst,
		clock:   clock,
		buckets: make(map[string]*throttleBucket),
	}
}

// allow takes a token for ip. When none is available it reports how long
// until one is.
func (t *requestThrottle) allow(ip string) (bool, time.Duration) {
	now := t.clock.Now()

	t.mu.Lock()
	b, ok := t.buckets[ip]
	if !ok {
		b = &throttleBucket{limiter: rate.NewLimiter(t.every, t.burst)}
		t.buckets[ip] = b
	}
	b.lastSeen = now
	t.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Duration(float64(time.Second) / float64(t.every))
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops buckets idle for longer than throttleIdle. A reclaimed bucket
// is indistinguishable from a full one, so this never changes a decision.
func (t *requestThrottle) sweep() int {
	cutoff := t.clock.Now().Add(-throttleIdle)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for ip, b := range t.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(t.buckets, ip)
			n++
		}
	}
	return n
}

// Throttle limits h to the API's authorization request rate per client IP.
func (a *API) Throttle(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ok, retryAfter := a.throttle.allow(ip); !ok {
			a.audit.logFailure(AuditRateLimited, r, "authorization request throttled")
			writeRateLimited(w, retryAfter)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// SweepThrottle reclaims idle throttle state. The server calls it from its
// maintenance ticker.
func (a *API) SweepThrottle() int {
	return a.throttle.sweep()
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "Too many authorization requests; please try again later.")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// extractClientIP returns the client IP using the API's configured trusted
// proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. Otherwise RemoteAddr is returned, so an
// untrusted client cannot pick the address its failures are counted against.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					if ip, ok := parseIPCandidate(strings.TrimSpace(param[4:])); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	return remoteIP
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

// ParseTrustedProxies parses CIDR ranges or bare addresses.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}
