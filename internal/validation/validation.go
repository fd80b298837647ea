// Package validation holds the identifier formats accepted from upstream
// and from callers.
package validation

import (
	"regexp"
)

var (
	videoIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	channelIDRegex = regexp.MustCompile(`^UC[a-zA-Z0-9_-]{22}$`)
	groupIDRegex   = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,64}$`)
)

// IsValidVideoID reports whether id is an 11 character video id.
func IsValidVideoID(id string) bool {
	return videoIDRegex.MatchString(id)
}

// IsValidChannelID reports whether id is a UC-prefixed channel id.
func IsValidChannelID(id string) bool {
	return channelIDRegex.MatchString(id)
}

// IsValidGroupID reports whether id is usable as a subscriber-group key.
// Group ids end up in persisted "{group}:{channel}" keys, so they are
// restricted to a conservative character set.
func IsValidGroupID(id string) bool {
	return groupIDRegex.MatchString(id)
}
