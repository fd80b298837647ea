// Package groups turns subscriber group configuration into the watch list the
// scheduler and push gateway act on, and reloads it when the config changes.
package groups

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ad-tracker/channel-announcer/internal/config"
	"github.com/ad-tracker/channel-announcer/internal/validation"
	"github.com/ad-tracker/channel-announcer/pkg/logger"
)

// Group is an enabled subscriber group with at least one watched channel.
type Group struct {
	ID       string
	Channels []string
	// MaxAge bounds how old a discovered item may be; zero disables it.
	MaxAge time.Duration
	// PollInterval is the requested tick interval; zero means unset.
	PollInterval time.Duration
}

// Options configures a Source.
type Options struct {
	DefaultMaxAgeHours int
	Logger             *zap.Logger
}

// Source holds the current set of groups: the configured ones plus channels
// added at runtime through the management API. Runtime additions survive
// config reloads.
type Source struct {
	opts Options
	log  *zap.Logger

	mu        sync.RWMutex
	groups    []Group
	added     map[string][]string // group id -> channel ids
	listeners []func([]Group)
}

// NewSource builds a Source from the configured groups.
func NewSource(cfgs []config.GroupConfig, opts Options) *Source {
	s := &Source{
		opts:  opts,
		log:   logger.OrNop(opts.Logger).Named("groups"),
		added: make(map[string][]string),
	}
	s.groups = s.normalize(cfgs)
	return s
}

// normalize drops disabled and empty groups, invalid ids and duplicates.
func (s *Source) normalize(cfgs []config.GroupConfig) []Group {
	out := make([]Group, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))

	for _, c := range cfgs {
		if !validation.IsValidGroupID(c.ID) {
			s.log.Warn("ignoring group with invalid id", zap.String("groupId", c.ID))
			continue
		}
		if seen[c.ID] {
			s.log.Warn("ignoring duplicate group", zap.String("groupId", c.ID))
			continue
		}
		seen[c.ID] = true
		if !c.Enabled {
			continue
		}

		channels := make([]string, 0, len(c.Channels))
		for _, ch := range c.Channels {
			if !validation.IsValidChannelID(ch) {
				s.log.Warn("ignoring invalid channel id",
					zap.String("groupId", c.ID),
					zap.String("channelId", ch))
				continue
			}
			if !slices.Contains(channels, ch) {
				channels = append(channels, ch)
			}
		}
		if len(channels) == 0 {
			continue
		}

		hours := c.MaxVideoAgeHours
		if hours <= 0 {
			hours = s.opts.DefaultMaxAgeHours
		}
		g := Group{ID: c.ID, Channels: channels}
		if hours > 0 {
			g.MaxAge = time.Duration(hours) * time.Hour
		}
		if c.PollIntervalSeconds > 0 {
			g.PollInterval = time.Duration(c.PollIntervalSeconds) * time.Second
		}
		out = append(out, g)
	}
	return out
}

// Groups returns a copy of the active groups with runtime additions merged
// in. A runtime-only group gets the default max age and poll interval.
func (s *Source) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mergedLocked()
}

func (s *Source) mergedLocked() []Group {
	out := make([]Group, 0, len(s.groups)+len(s.added))
	configured := make(map[string]bool, len(s.groups))
	for _, g := range s.groups {
		configured[g.ID] = true
		g.Channels = slices.Clone(g.Channels)
		for _, ch := range s.added[g.ID] {
			if !slices.Contains(g.Channels, ch) {
				g.Channels = append(g.Channels, ch)
			}
		}
		out = append(out, g)
	}

	ids := make([]string, 0, len(s.added))
	for id := range s.added {
		if !configured[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		g := Group{ID: id, Channels: slices.Clone(s.added[id])}
		if s.opts.DefaultMaxAgeHours > 0 {
			g.MaxAge = time.Duration(s.opts.DefaultMaxAgeHours) * time.Hour
		}
		out = append(out, g)
	}
	return out
}

// Add watches channelID for groupID until Remove. It reports whether the
// pair was newly added.
func (s *Source) Add(groupID, channelID string) bool {
	if !validation.IsValidGroupID(groupID) || !validation.IsValidChannelID(channelID) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.added[groupID], channelID) {
		return false
	}
	s.added[groupID] = append(s.added[groupID], channelID)
	s.log.Info("channel added at runtime", zap.String("groupId", groupID), zap.String("channelId", channelID))
	return true
}

// Remove drops a runtime addition. Channels from the config file are not
// affected.
func (s *Source) Remove(groupID, channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.added[groupID]
	i := slices.Index(chans, channelID)
	if i < 0 {
		return false
	}
	chans = slices.Delete(chans, i, i+1)
	if len(chans) == 0 {
		delete(s.added, groupID)
	} else {
		s.added[groupID] = chans
	}
	return true
}

// Replace swaps in a new configuration and notifies listeners.
func (s *Source) Replace(cfgs []config.GroupConfig) {
	next := s.normalize(cfgs)

	s.mu.Lock()
	s.groups = next
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.log.Info("groups reloaded", zap.Int("active", len(next)))
	for _, fn := range listeners {
		fn(s.Groups())
	}
}

// Reload matches config.Watch's callback and applies the new group list.
func (s *Source) Reload(cfg *config.Config, e fsnotify.Event) {
	s.log.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
	s.Replace(cfg.Groups)
}

// OnChange registers fn to run after every reload.
func (s *Source) OnChange(fn func([]Group)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Desired maps every watched channel to the groups that want it.
func (s *Source) Desired() map[string][]string {
	return Desired(s.Groups())
}

// Desired maps every channel in groups to the ids of the groups watching it.
func Desired(groups []Group) map[string][]string {
	out := make(map[string][]string)
	for _, g := range groups {
		for _, ch := range g.Channels {
			out[ch] = append(out[ch], g.ID)
		}
	}
	for ch := range out {
		sort.Strings(out[ch])
	}
	return out
}

// MaxAge returns the item age limit for groupID, or zero when the group is
// unknown or unlimited.
func (s *Source) MaxAge(groupID string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.mergedLocked() {
		if g.ID == groupID {
			return g.MaxAge
		}
	}
	return 0
}
