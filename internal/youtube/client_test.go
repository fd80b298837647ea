package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

const testChannelID = "UCuAXFkgsw1L7xaCfnd5JJOw"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientOptions{Endpoint: server.URL + "/", Timeout: 5 * time.Second})
}

func TestIsQuotaError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "timeout", err: context.DeadlineExceeded, want: false},
		{
			name: "quota exceeded",
			err:  &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}},
			want: true,
		},
		{
			name: "daily limit wrapped",
			err:  fmt.Errorf("search: %w", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "dailyLimitExceeded"}}}),
			want: true,
		},
		{
			name: "forbidden for another reason",
			err:  &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}, Message: "access denied"},
			want: false,
		},
		{
			name: "reason only in message",
			err:  &googleapi.Error{Code: 403, Message: "The request cannot be completed because you have exceeded your quota."},
			want: true,
		},
		{
			name: "rate limited",
			err:  &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}, Message: "Rate limit exceeded, quota will refill"},
			want: false,
		},
		{
			name: "user rate limited",
			err:  &googleapi.Error{Code: 429, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			want: false,
		},
		{
			name: "not found",
			err:  &googleapi.Error{Code: 404, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsQuotaError(tt.err))
		})
	}
}

func TestClient_SearchRecent(t *testing.T) {
	t.Parallel()

	var gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/search"))
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[
			{"id":{"kind":"youtube#video","videoId":"aaaaaaaaaaa"},"snippet":{"channelId":"` + testChannelID + `","title":"First","publishedAt":"2025-01-15T10:00:00Z","liveBroadcastContent":"none","thumbnails":{"high":{"url":"https://i.ytimg.com/a.jpg"}}}},
			{"id":{"kind":"youtube#video","videoId":"bad"},"snippet":{"title":"Invalid"}},
			{"id":{"kind":"youtube#video","videoId":"bbbbbbbbbbb"},"snippet":{"title":"Second [Members Only]","publishedAt":"2025-01-15T09:00:00Z","liveBroadcastContent":"live"}}
		]}`))
	})

	after := time.Date(2025, 1, 14, 0, 0, 0, 0, time.UTC)
	items, err := client.SearchRecent(context.Background(), "key-1", testChannelID, after)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Contains(t, gotQuery, "key=key-1")
	assert.Contains(t, gotQuery, "order=date")
	assert.Contains(t, gotQuery, "channelId="+testChannelID)
	assert.Contains(t, gotQuery, "publishedAfter=2025-01-14T00%3A00%3A00Z")

	assert.Equal(t, "aaaaaaaaaaa", items[0].ID)
	assert.Equal(t, "https://i.ytimg.com/a.jpg", items[0].ThumbnailURL)
	assert.False(t, items[0].IsLive)

	assert.Equal(t, testChannelID, items[1].ChannelID)
	assert.True(t, items[1].IsLive)
	assert.True(t, items[1].IsMemberOnly)
}

func TestClient_SearchLive_EnrichesDetails(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/search"):
			assert.Equal(t, "live", r.URL.Query().Get("eventType"))
			_, _ = w.Write([]byte(`{"items":[
				{"id":{"videoId":"aaaaaaaaaaa"},"snippet":{"title":"Live now","liveBroadcastContent":"live"}},
				{"id":{"videoId":"bbbbbbbbbbb"},"snippet":{"title":"Hidden","liveBroadcastContent":"live"}}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/videos"):
			_, _ = w.Write([]byte(`{"items":[
				{"id":"aaaaaaaaaaa","snippet":{"title":"Live now"},"liveStreamingDetails":{"concurrentViewers":"1234"}}
			]}`))
		default:
			http.NotFound(w, r)
		}
	})

	items, err := client.SearchLive(context.Background(), "key-1", testChannelID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.True(t, items[0].IsLive)
	assert.Equal(t, int64(1234), items[0].ViewerCount)
	assert.False(t, items[0].IsMemberOnly)

	assert.True(t, items[1].IsLive)
	assert.True(t, items[1].IsMemberOnly)
}

func TestClient_SearchLive_DetailFailureKeepsResults(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/videos") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":{"videoId":"aaaaaaaaaaa"},"snippet":{"title":"Live"}}]}`))
	})

	items, err := client.SearchLive(context.Background(), "key-1", testChannelID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsLive)
}

func TestClient_QuotaErrorClassified(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"quota","errors":[{"domain":"youtube.quota","reason":"quotaExceeded","message":"quota"}]}}`))
	})

	_, err := client.SearchRecent(context.Background(), "key-1", testChannelID, time.Time{})
	require.Error(t, err)
	assert.True(t, IsQuotaError(err))
}

func TestClient_UploadsAndPlaylistItems(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/channels"):
			_, _ = w.Write([]byte(`{"items":[{"id":"` + testChannelID + `","contentDetails":{"relatedPlaylists":{"uploads":"UUuAXFkgsw1L7xaCfnd5JJOw"}}}]}`))
		case strings.HasSuffix(r.URL.Path, "/playlistItems"):
			assert.Equal(t, "UUuAXFkgsw1L7xaCfnd5JJOw", r.URL.Query().Get("playlistId"))
			_, _ = w.Write([]byte(`{"items":[
				{"snippet":{"title":"Upload","publishedAt":"2025-01-15T10:00:00Z","channelId":"` + testChannelID + `"},"contentDetails":{"videoId":"aaaaaaaaaaa","videoPublishedAt":"2025-01-15T09:30:00Z"}},
				{"snippet":{"title":"Via resource","resourceId":{"videoId":"bbbbbbbbbbb"}}}
			]}`))
		default:
			http.NotFound(w, r)
		}
	})

	playlist, err := client.UploadsPlaylist(context.Background(), "key-1", testChannelID)
	require.NoError(t, err)
	assert.Equal(t, "UUuAXFkgsw1L7xaCfnd5JJOw", playlist)

	items, err := client.PlaylistItems(context.Background(), "key-1", playlist)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "aaaaaaaaaaa", items[0].ID)
	assert.Equal(t, time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC), items[0].PublishedAt)
	assert.Equal(t, "bbbbbbbbbbb", items[1].ID)
}

func TestClient_UploadsPlaylistMissing(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	})

	_, err := client.UploadsPlaylist(context.Background(), "key-1", testChannelID)
	require.Error(t, err)
	assert.False(t, IsQuotaError(err))
}

func TestClient_NoAPIKey(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientOptions{})
	_, err := client.SearchRecent(context.Background(), "", testChannelID, time.Time{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestIsMemberOnlyTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		want  bool
	}{
		{"Regular upload", false},
		{"【Members Only】 karaoke", true},
		{"members-only chat", true},
		{"メン限 雑談", true},
		{"Remember this", false},
	}

	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsMemberOnlyTitle(tt.title))
		})
	}
}
