package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ad-tracker/channel-announcer/internal/announce"
	"github.com/ad-tracker/channel-announcer/internal/discovery"
	"github.com/ad-tracker/channel-announcer/internal/groups"
	"github.com/ad-tracker/channel-announcer/internal/models"
	"github.com/ad-tracker/channel-announcer/internal/state"
	"github.com/ad-tracker/channel-announcer/internal/websub"
)

const (
	chanA = "UCuAXFkgsw1L7xaCfnd5JJOw"
	chanB = "UC_x5XG1OV2P6uZZ5FSM9Ttw"
)

type staticGroups []groups.Group

func (s staticGroups) Groups() []groups.Group { return s }

type discoverCall struct {
	channelID string
	maxAge    time.Duration
}

type fakeDiscoverer struct {
	mu     sync.Mutex
	items  map[string][]models.CandidateItem
	calls  []discoverCall
	onCall func()
}

func (f *fakeDiscoverer) Discover(_ context.Context, channelID string, maxAge time.Duration) *discovery.Result {
	f.mu.Lock()
	f.calls = append(f.calls, discoverCall{channelID, maxAge})
	items := f.items[channelID]
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return &discovery.Result{Items: items}
}

type memBackend struct {
	mu   sync.Mutex
	data []byte
}

func (m *memBackend) Read(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data, nil
}

func (m *memBackend) Write(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

func (m *memBackend) Close() error { return nil }

type recordingSink struct {
	mu  sync.Mutex
	got []string
}

func (r *recordingSink) Deliver(_ context.Context, a models.Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a.GroupID+"/"+a.Item.ID)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func newPipeline(t *testing.T, seed map[string]state.Watch) (*state.Store, *announce.Announcer, *recordingSink) {
	t.Helper()
	backend := &memBackend{}
	if seed != nil {
		raw, err := json.Marshal(seed)
		require.NoError(t, err)
		backend.data = raw
	}
	store := state.NewStore(backend, state.Options{Debounce: time.Hour})
	require.NoError(t, store.Load(context.Background()))
	sink := &recordingSink{}
	return store, announce.New(store, sink, nil), sink
}

func upload(id string, age time.Duration) models.CandidateItem {
	return models.CandidateItem{
		ID:          id,
		ChannelID:   chanA,
		Title:       "video " + id,
		PublishedAt: time.Now().Add(-age),
		Origin:      models.OriginPoll,
	}
}

type fakeGateway struct {
	mu      sync.Mutex
	active  bool
	desired map[string][]string
	renews  int
	err     error
}

func (f *fakeGateway) Active() bool { return f.active }

func (f *fakeGateway) Renew(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renews++
	return 1, f.err
}

func (f *fakeGateway) Sync(_ context.Context, desired map[string][]string) (*websub.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.desired = desired
	return &websub.SyncResult{}, nil
}

type fakeSweeper struct{ swept int }

func (f *fakeSweeper) Sweep() bool {
	f.swept++
	return true
}

func TestScheduler_Interval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		groups  staticGroups
		gateway *fakeGateway
		want    time.Duration
	}{
		{
			name:   "no groups uses default",
			groups: staticGroups{},
			want:   300 * time.Second,
		},
		{
			name:   "shortest group interval",
			groups: staticGroups{{ID: "a", PollInterval: 120 * time.Second}, {ID: "b"}},
			want:   120 * time.Second,
		},
		{
			name:   "floored at minimum",
			groups: staticGroups{{ID: "a", PollInterval: 10 * time.Second}},
			want:   60 * time.Second,
		},
		{
			name:    "push active uses fallback",
			groups:  staticGroups{{ID: "a", PollInterval: 90 * time.Second}},
			gateway: &fakeGateway{active: true},
			want:    15 * time.Minute,
		},
		{
			name:    "push configured but inactive polls normally",
			groups:  staticGroups{{ID: "a", PollInterval: 90 * time.Second}},
			gateway: &fakeGateway{},
			want:    90 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := Options{MinInterval: time.Minute, DefaultInterval: 300 * time.Second, FallbackInterval: 15 * time.Minute}
			if tt.gateway != nil {
				opts.Gateway = tt.gateway
			}
			s := New(&fakeDiscoverer{}, tt.groups, nil, opts)
			assert.Equal(t, tt.want, s.Interval())
		})
	}
}

func TestScheduler_TickAnnouncesOnlyUnknown(t *testing.T) {
	t.Parallel()

	store, ann, sink := newPipeline(t, map[string]state.Watch{
		state.Key("news", chanA): {KnownUploadIDs: []string{"a", "b"}},
	})
	disc := &fakeDiscoverer{items: map[string][]models.CandidateItem{
		chanA: {upload("b", time.Hour), upload("c", time.Hour)},
	}}
	s := New(disc, staticGroups{{ID: "news", Channels: []string{chanA}}}, ann, Options{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Announced)
	assert.Equal(t, []string{"news/c"}, sink.list())

	w, ok := store.Get(state.Key("news", chanA))
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, w.KnownUploadIDs)

	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Announced)
	assert.Equal(t, []string{"news/c"}, sink.list())
	assert.Same(t, res, s.LastTick())
}

func TestScheduler_TickSharedChannelDiscoveredOnce(t *testing.T) {
	t.Parallel()

	_, ann, sink := newPipeline(t, nil)
	disc := &fakeDiscoverer{items: map[string][]models.CandidateItem{
		chanA: {upload("recent", time.Hour), upload("older", 10*time.Hour)},
	}}
	src := staticGroups{
		{ID: "fast", Channels: []string{chanA}, MaxAge: 6 * time.Hour},
		{ID: "slow", Channels: []string{chanA, chanB}, MaxAge: 48 * time.Hour},
	}
	s := New(disc, src, ann, Options{})

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Channels)
	assert.Equal(t, 3, res.Announced)

	assert.ElementsMatch(t, []discoverCall{
		{chanA, 48 * time.Hour},
		{chanB, 48 * time.Hour},
	}, disc.calls)
	assert.ElementsMatch(t, []string{"fast/recent", "slow/recent", "slow/older"}, sink.list())
}

func TestWidestAge(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5*time.Hour, widestAge([]groups.Group{{MaxAge: time.Hour}, {MaxAge: 5 * time.Hour}}))
	assert.Zero(t, widestAge([]groups.Group{{MaxAge: time.Hour}, {}}))
}

type stubHub struct{}

func (stubHub) Subscribe(context.Context, *websub.HubRequest) error   { return nil }
func (stubHub) Unsubscribe(context.Context, *websub.HubRequest) error { return nil }

func TestScheduler_PushThenPollDeliversOnce(t *testing.T) {
	t.Parallel()

	_, ann, sink := newPipeline(t, nil)
	gw, err := websub.NewGateway(stubHub{}, ann, websub.Options{
		HubURL:          "https://pubsubhubbub.appspot.com/subscribe",
		CallbackBaseURL: "https://announcer.acme.io",
		Secret:          "k",
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, gw.Subscribe(ctx, chanA, "news"))
	_, err = gw.HandleVerification(websub.VerificationRequest{
		ChannelID: chanA,
		Mode:      websub.ModeSubscribe,
		Topic:     websub.TopicURL(chanA),
		Challenge: "c",
	})
	require.NoError(t, err)

	body := `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <yt:videoId>xxxxxxxxxxx</yt:videoId>
    <yt:channelId>` + chanA + `</yt:channelId>
    <title>Pushed</title>
    <published>` + time.Now().UTC().Format(time.RFC3339) + `</published>
  </entry>
</feed>`
	_, err = gw.HandleNotification(ctx, chanA, strings.NewReader(body), websub.Sign("k", []byte(body)))
	require.NoError(t, err)

	disc := &fakeDiscoverer{items: map[string][]models.CandidateItem{
		chanA: {upload("xxxxxxxxxxx", time.Second)},
	}}
	s := New(disc, staticGroups{{ID: "news", Channels: []string{chanA}}}, ann, Options{Gateway: gw})
	res, err := s.Tick(ctx)
	require.NoError(t, err)

	assert.Zero(t, res.Announced)
	assert.Equal(t, []string{"news/xxxxxxxxxxx"}, sink.list())
	assert.Equal(t, 15*time.Minute, s.Interval())
}

func TestScheduler_TickDoesNotOverlap(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	disc := &fakeDiscoverer{onCall: func() {
		close(entered)
		<-release
	}}
	_, ann, _ := newPipeline(t, nil)
	s := New(disc, staticGroups{{ID: "news", Channels: []string{chanA}}}, ann, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Tick(context.Background())
		done <- err
	}()

	<-entered
	_, err := s.Tick(context.Background())
	require.ErrorIs(t, err, ErrTickInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestScheduler_TickStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	disc := &fakeDiscoverer{onCall: cancel}
	_, ann, _ := newPipeline(t, nil)
	s := New(disc, staticGroups{{ID: "news", Channels: []string{chanA, chanB}}}, ann, Options{})

	_, err := s.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, disc.calls, 1)
}

func TestScheduler_Maintain(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	sweeper := &fakeSweeper{}
	src := staticGroups{
		{ID: "a", Channels: []string{chanA}},
		{ID: "b", Channels: []string{chanA, chanB}},
	}
	s := New(&fakeDiscoverer{}, src, nil, Options{Gateway: gw, Sweeper: sweeper})

	require.NoError(t, s.Maintain(context.Background()))
	assert.Equal(t, 1, sweeper.swept)
	assert.Equal(t, 1, gw.renews)
	assert.Equal(t, map[string][]string{chanA: {"a", "b"}, chanB: {"b"}}, gw.desired)

	gw.err = errors.New("hub down")
	require.Error(t, s.Maintain(context.Background()))

	noPush := New(&fakeDiscoverer{}, src, nil, Options{Sweeper: sweeper})
	require.NoError(t, noPush.Maintain(context.Background()))
	assert.Equal(t, 3, sweeper.swept)
}

func TestScheduler_Run(t *testing.T) {
	t.Parallel()

	t.Run("invalid maintenance spec", func(t *testing.T) {
		t.Parallel()
		s := New(&fakeDiscoverer{}, staticGroups{}, nil, Options{Maintenance: "not a spec"})
		require.Error(t, s.Run(context.Background()))
	})

	t.Run("returns after cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		disc := &fakeDiscoverer{onCall: cancel}
		_, ann, _ := newPipeline(t, nil)
		s := New(disc, staticGroups{{ID: "news", Channels: []string{chanA}}}, ann, Options{})

		require.NoError(t, s.Run(ctx))
		assert.Len(t, disc.calls, 1)
	})
}
