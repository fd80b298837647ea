package websub

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const topicBase = "https://www.youtube.com/xml/feeds/videos.xml?channel_id="

// ErrInvalidCallbackBase is returned when the public callback base cannot be
// reached by the hub.
var ErrInvalidCallbackBase = errors.New("invalid callback base URL")

var placeholderHosts = []string{
	"example.com", "example.org", "example.net",
}

var placeholderSuffixes = []string{
	".example", ".invalid", ".test", ".localhost", ".local",
}

// TopicURL is the exact hub topic for a channel.
func TopicURL(channelID string) string {
	return topicBase + channelID
}

// CallbackURL is the callback registered for a channel.
func CallbackURL(base, channelID string) string {
	return strings.TrimRight(base, "/") + "/websub/" + url.PathEscape(channelID)
}

// ValidateCallbackBase rejects callback bases the hub could never reach:
// non-http schemes, loopback or unspecified addresses, and reserved
// placeholder domains.
func ValidateCallbackBase(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCallbackBase)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCallbackBase, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidCallbackBase, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidCallbackBase)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("%w: query or fragment not allowed", ErrInvalidCallbackBase)
	}
	if host == "localhost" {
		return fmt.Errorf("%w: %s is not publicly reachable", ErrInvalidCallbackBase, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return fmt.Errorf("%w: %s is not publicly reachable", ErrInvalidCallbackBase, host)
		}
	}
	for _, p := range placeholderHosts {
		if host == p || strings.HasSuffix(host, "."+p) {
			return fmt.Errorf("%w: placeholder domain %s", ErrInvalidCallbackBase, host)
		}
	}
	for _, s := range placeholderSuffixes {
		if strings.HasSuffix(host, s) {
			return fmt.Errorf("%w: reserved domain %s", ErrInvalidCallbackBase, host)
		}
	}
	return nil
}
