// Package models contains the data models shared by the discovery and delivery paths.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Origin records which path discovered a candidate item.
type Origin string

// Origin constants.
const (
	OriginPoll Origin = "poll"
	OriginPush Origin = "push"
)

// CandidateItem is a normalized, transient view of a discovered video prior
// to dedup and delivery.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type CandidateItem struct {
	ID           string    `json:"id"`
	ChannelID    string    `json:"channel_id"`
	Title        string    `json:"title"`
	PublishedAt  time.Time `json:"published_at"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	IsLive       bool      `json:"is_live"`
	IsMemberOnly bool      `json:"is_member_only"`
	ViewerCount  int64     `json:"viewer_count,omitempty"`
	Origin       Origin    `json:"origin"`
}

// URL returns the public watch URL for the item.
func (c CandidateItem) URL() string {
	return "https://www.youtube.com/watch?v=" + c.ID
}

// Announcement is what the delivery sink receives for one new item in one
// subscriber group.
//
//nolint:govet // fieldalignment: Accept minor memory overhead for better readability
type Announcement struct {
	ID           uuid.UUID     `json:"id"`
	GroupID      string        `json:"group_id"`
	ChannelID    string        `json:"channel_id"`
	Item         CandidateItem `json:"item"`
	DiscoveredAt time.Time     `json:"discovered_at"`
}

// NewAnnouncement stamps an announcement for item in group.
func NewAnnouncement(groupID string, item CandidateItem) Announcement {
	return Announcement{
		ID:           uuid.New(),
		GroupID:      groupID,
		ChannelID:    item.ChannelID,
		Item:         item,
		DiscoveredAt: time.Now(),
	}
}

// GatewayStats is the push gateway counter snapshot exposed to the
// management layer.
type GatewayStats struct {
	Subscriptions           int64 `json:"subscriptions"`
	Notifications           int64 `json:"notifications"`
	Errors                  int64 `json:"errors"`
	ActiveSubscriptionCount int   `json:"active_subscription_count"`
	PendingCount            int   `json:"pending_count"`
}

// ErrorResponse is the JSON error body returned by the management API.
type ErrorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
}
