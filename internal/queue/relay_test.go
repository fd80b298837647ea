package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ad-tracker/channel-announcer/internal/delivery"
	"github.com/ad-tracker/channel-announcer/internal/models"
)

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Deliver(ctx context.Context, a models.Announcement) error {
	return m.Called(ctx, a).Error(0)
}

func (m *mockSink) Close() error {
	return m.Called().Error(0)
}

func announcementTask(t *testing.T, a models.Announcement) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(a)
	require.NoError(t, err)
	return asynq.NewTask(delivery.TypeAnnouncement, payload)
}

func sampleAnnouncement() models.Announcement {
	a := models.NewAnnouncement("group-1", models.CandidateItem{
		ID:          "dQw4w9WgXcQ",
		ChannelID:   "UCuAXFkgsw1L7xaCfnd5JJOw",
		Title:       "New upload",
		PublishedAt: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Origin:      models.OriginPoll,
	})
	a.DiscoveredAt = a.DiscoveredAt.UTC().Truncate(time.Second)
	return a
}

func TestDecodeAnnouncement(t *testing.T) {
	t.Parallel()

	valid := sampleAnnouncement()
	validPayload, err := json.Marshal(valid)
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload func() []byte
		wantErr bool
	}{
		{
			name:    "valid payload",
			payload: func() []byte { return validPayload },
		},
		{
			name:    "not json",
			payload: func() []byte { return []byte("{broken") },
			wantErr: true,
		},
		{
			name: "invalid group id",
			payload: func() []byte {
				a := valid
				a.GroupID = "bad group"
				b, _ := json.Marshal(a)
				return b
			},
			wantErr: true,
		},
		{
			name: "invalid channel id",
			payload: func() []byte {
				a := valid
				a.ChannelID = "nope"
				b, _ := json.Marshal(a)
				return b
			},
			wantErr: true,
		},
		{
			name: "missing item id",
			payload: func() []byte {
				a := valid
				a.Item.ID = ""
				b, _ := json.Marshal(a)
				return b
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeAnnouncement(tt.payload())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, valid.ID, got.ID)
			assert.Equal(t, valid.GroupID, got.GroupID)
			assert.Equal(t, valid.Item.ID, got.Item.ID)
		})
	}
}

func TestRelay_ProcessTask(t *testing.T) {
	t.Parallel()

	a := sampleAnnouncement()
	sink := new(mockSink)
	sink.On("Deliver", mock.Anything, mock.MatchedBy(func(got models.Announcement) bool {
		return got.ID == a.ID && got.GroupID == a.GroupID && got.Item.ID == a.Item.ID
	})).Return(nil).Once()

	relay := NewRelay(sink, zaptest.NewLogger(t))
	require.NoError(t, relay.ProcessTask(context.Background(), announcementTask(t, a)))
	sink.AssertExpectations(t)
}

func TestRelay_ProcessTask_SinkErrorIsRetried(t *testing.T) {
	t.Parallel()

	sink := new(mockSink)
	sink.On("Deliver", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	relay := NewRelay(sink, nil)
	err := relay.ProcessTask(context.Background(), announcementTask(t, sampleAnnouncement()))
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
	assert.Contains(t, err.Error(), "broker down")
}

func TestRelay_ProcessTask_MalformedSkipsRetry(t *testing.T) {
	t.Parallel()

	sink := new(mockSink)
	relay := NewRelay(sink, nil)

	err := relay.ProcessTask(context.Background(), asynq.NewTask(delivery.TypeAnnouncement, []byte("garbage")))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	sink.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}

func TestNewServer_InvalidRedisURL(t *testing.T) {
	t.Parallel()

	_, err := NewServer("redis://localhost:6379/notadb", ServerOptions{}, NewRelay(new(mockSink), nil), nil)
	require.Error(t, err)
}
