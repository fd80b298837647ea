// Package state is the single dedup authority shared by the poll and push
// paths: per (group, channel) bounded lists of already-announced item ids,
// persisted on a debounce timer.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/metrics"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

const (
	defaultDebounce    = 500 * time.Millisecond
	defaultMaxKnownIDs = 50
	persistTimeout     = 10 * time.Second
	maxRetryDelay      = 30 * time.Second
)

// Backend stores the serialized state document. Read returns nil data when
// nothing has been written yet.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Watch is the persisted record for one (group, channel) pair.
type Watch struct {
	KnownUploadIDs []string `json:"knownUploadIds"`
	KnownLiveIDs   []string `json:"knownLiveIds"`
}

// Key builds the channel watch key for a subscriber group and channel.
func Key(groupID, channelID string) string {
	return groupID + ":" + channelID
}

// Options configures a Store.
type Options struct {
	Debounce    time.Duration
	MaxKnownIDs int
	Logger      *zap.Logger
}

// Store holds all channel watches in memory. Every read-check-write runs
// under one mutex, so a poll tick and a concurrent push callback can never
// both claim the same item.
type Store struct {
	backend Backend
	opts    Options
	log     *zap.Logger

	mu      sync.Mutex
	watches map[string]*Watch
	timer   *time.Timer
	dirty   bool
	closed  bool
	// retry is the backoff after a failed write; zero once a write succeeds.
	retry time.Duration

	// writeMu serializes backend writes so an older snapshot never lands
	// after a newer one.
	writeMu sync.Mutex
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts Options) *Store {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.MaxKnownIDs <= 0 {
		opts.MaxKnownIDs = defaultMaxKnownIDs
	}
	return &Store{
		backend: backend,
		opts:    opts,
		log:     logger.OrNop(opts.Logger).Named("state"),
		watches: make(map[string]*Watch),
	}
}

// Load replaces the in-memory state with the persisted document. A missing
// or unparsable document yields an empty state rather than an error; only
// backend I/O failures are returned.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.Read(ctx)
	if err != nil {
		return fmt.Errorf("read watch state: %w", err)
	}

	watches := make(map[string]*Watch)
	if len(data) > 0 {
		var doc map[string]*Watch
		if err := json.Unmarshal(data, &doc); err != nil {
			s.log.Warn("persisted watch state is corrupt, starting empty", zap.Error(err))
		} else {
			for k, w := range doc {
				if w == nil {
					continue
				}
				watches[k] = s.normalize(w)
			}
		}
	}

	s.mu.Lock()
	s.watches = watches
	s.dirty = false
	s.mu.Unlock()

	s.log.Info("watch state loaded", zap.Int("watches", len(watches)))
	return nil
}

// normalize enforces the cap and the single-list invariant on loaded data.
func (s *Store) normalize(w *Watch) *Watch {
	out := &Watch{}
	seen := make(map[string]bool)
	for _, id := range w.KnownUploadIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			out.KnownUploadIDs = append(out.KnownUploadIDs, id)
		}
	}
	for _, id := range w.KnownLiveIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			out.KnownLiveIDs = append(out.KnownLiveIDs, id)
		}
	}
	out.KnownUploadIDs = s.bound(out.KnownUploadIDs)
	out.KnownLiveIDs = s.bound(out.KnownLiveIDs)
	return out
}

// IsKnown reports whether id was already announced for key. Membership in
// either list counts; isLive only selects which list is consulted first.
func (s *Store) IsKnown(key, id string, isLive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[key]
	if !ok {
		return false
	}
	first, second := w.KnownUploadIDs, w.KnownLiveIDs
	if isLive {
		first, second = second, first
	}
	return slices.Contains(first, id) || slices.Contains(second, id)
}

// MarkKnown records id for key if it is in neither list, appending to the
// live or uploads list according to isLive. It returns true only for the
// caller that inserted the id, making it an atomic insert-if-absent.
func (s *Store) MarkKnown(key, id string, isLive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[key]
	if !ok {
		w = &Watch{}
		s.watches[key] = w
	}
	if slices.Contains(w.KnownUploadIDs, id) || slices.Contains(w.KnownLiveIDs, id) {
		return false
	}

	if isLive {
		w.KnownLiveIDs = s.bound(append(w.KnownLiveIDs, id))
	} else {
		w.KnownUploadIDs = s.bound(append(w.KnownUploadIDs, id))
	}
	s.scheduleLocked()
	return true
}

// Get returns a copy of the watch for key.
func (s *Store) Get(key string) (Watch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watches[key]
	if !ok {
		return Watch{}, false
	}
	return Watch{
		KnownUploadIDs: slices.Clone(w.KnownUploadIDs),
		KnownLiveIDs:   slices.Clone(w.KnownLiveIDs),
	}, true
}

// Len returns the number of channel watches.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

func (s *Store) bound(ids []string) []string {
	if over := len(ids) - s.opts.MaxKnownIDs; over > 0 {
		return slices.Clone(ids[over:])
	}
	return ids
}

func (s *Store) scheduleLocked() {
	s.dirty = true
	s.armLocked(s.opts.Debounce)
}

func (s *Store) armLocked(d time.Duration) {
	if s.timer != nil || s.closed {
		return
	}
	s.timer = time.AfterFunc(d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.persist(ctx); err != nil {
			s.log.Error("failed to persist watch state", zap.Error(err))
		}
	})
}

// Flush cancels any pending debounce and writes the current state now if it
// has unsaved mutations.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.persist(ctx)
}

// Close flushes and releases the backend. No write is retried after Close.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	flushErr := s.Flush(ctx)
	if err := s.backend.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return flushErr
}

func (s *Store) persist(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.Marshal(s.watches)
	s.dirty = false
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}

	if err := s.backend.Write(ctx, data); err != nil {
		metrics.StatePersists.WithLabelValues("error").Inc()
		s.mu.Lock()
		s.dirty = true
		s.retry = min(max(2*s.retry, s.opts.Debounce), maxRetryDelay)
		s.armLocked(s.retry)
		s.mu.Unlock()
		return fmt.Errorf("write watch state: %w", err)
	}
	s.mu.Lock()
	s.retry = 0
	s.mu.Unlock()
	metrics.StatePersists.WithLabelValues("ok").Inc()
	s.log.Debug("watch state persisted", zap.Int("bytes", len(data)))
	return nil
}
