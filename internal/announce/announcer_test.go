package announce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/state"
)

const channel = "UCuAXFkgsw1L7xaCfnd5JJOw"

type nopBackend struct{}

func (nopBackend) Read(context.Context) ([]byte, error) { return nil, nil }
func (nopBackend) Write(context.Context, []byte) error  { return nil }
func (nopBackend) Close() error                         { return nil }

type recordingSink struct {
	mu   sync.Mutex
	got  []models.Announcement
	fail error
}

func (r *recordingSink) Deliver(_ context.Context, a models.Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
	return r.fail
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, a := range r.got {
		out = append(out, a.GroupID+"/"+a.Item.ID)
	}
	return out
}

func newStore() *state.Store {
	return state.NewStore(nopBackend{}, state.Options{Debounce: time.Hour})
}

func item(id string, origin models.Origin) models.CandidateItem {
	return models.CandidateItem{ID: id, ChannelID: channel, Origin: origin}
}

func TestAnnouncer_PollThenPushDeliversOnce(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	a := New(newStore(), sink, nil)

	assert.True(t, a.Announce(context.Background(), "g1", item("x", models.OriginPush)))
	assert.False(t, a.Announce(context.Background(), "g1", item("x", models.OriginPoll)))
	assert.Equal(t, []string{"g1/x"}, sink.ids())
}

func TestAnnouncer_GroupsAreIndependent(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	a := New(newStore(), sink, nil)

	a.Announce(context.Background(), "g1", item("x", models.OriginPoll))
	a.Announce(context.Background(), "g2", item("x", models.OriginPoll))
	assert.ElementsMatch(t, []string{"g1/x", "g2/x"}, sink.ids())
}

func TestAnnouncer_SinkFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{fail: errors.New("rate limited")}
	a := New(newStore(), sink, nil)

	assert.True(t, a.Announce(context.Background(), "g1", item("x", models.OriginPoll)))
	sink.fail = nil
	assert.False(t, a.Announce(context.Background(), "g1", item("x", models.OriginPoll)))
	assert.Len(t, sink.ids(), 1)
}

func TestAnnouncer_ConcurrentPathsSingleDelivery(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	a := New(newStore(), sink, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			origin := models.OriginPoll
			if i%2 == 0 {
				origin = models.OriginPush
			}
			a.Announce(context.Background(), "g1", item("x", origin))
		}()
	}
	wg.Wait()
	assert.Len(t, sink.ids(), 1)
}

func TestAnnouncer_AnnounceAllAndUnseen(t *testing.T) {
	t.Parallel()

	store := newStore()
	store.MarkKnown(state.Key("g1", channel), "a", false)
	store.MarkKnown(state.Key("g1", channel), "b", false)

	sink := &recordingSink{}
	a := New(store, sink, nil)

	batch := []models.CandidateItem{item("b", models.OriginPoll), item("c", models.OriginPoll)}
	unseen := a.Unseen("g1", batch)
	require.Len(t, unseen, 1)
	assert.Equal(t, "c", unseen[0].ID)

	assert.Equal(t, 1, a.AnnounceAll(context.Background(), "g1", batch))
	assert.Equal(t, []string{"g1/c"}, sink.ids())

	w, _ := store.Get(state.Key("g1", channel))
	assert.Equal(t, []string{"a", "b", "c"}, w.KnownUploadIDs)
}
