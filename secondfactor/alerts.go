package secondfactor

import (
	"fmt"
	"net/url"

	"github.com/jmcleod/authgate/alert"
)

// LogsURL is linked from failed-login alerts. Set at startup.
var LogsURL = ""

// FailedLoginAlert builds the Auth alert sent for a failed login.
func FailedLoginAlert(s Subject, reason string) alert.Alert {
	msg := fmt.Sprintf("Failed login attempt from %s", s.IP)
	if s.Username != "" {
		msg += fmt.Sprintf(" with username '%s'", s.Username)
	}
	msg += "."

	links := []alert.Link{
		{Title: "Lookup IP", URL: "https://freegeoip.net/?q=" + url.QueryEscape(s.IP)},
	}
	if LogsURL != "" {
		links = append(links, alert.Link{Title: "View logs", URL: LogsURL})
	}
	return alert.Alert{
		Tag:     alert.TagAuth,
		Title:   "Failed login",
		Message: msg,
		Fields: map[string]string{
			"ip":         s.IP,
			"username":   s.Username,
			"user_agent": s.UserAgent,
			"reason":     reason,
		},
		Links: links,
	}
}
