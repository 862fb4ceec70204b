// Package session owns the current user state. Every event builds a new
// immutable Snapshot, which is encoded and persisted; the scoring engine only
// ever sees snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coolbeans/csscoverage/pkg/analysis"
	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/logging"
	"github.com/coolbeans/csscoverage/pkg/matrix"
	"github.com/coolbeans/csscoverage/pkg/report"
	"github.com/coolbeans/csscoverage/pkg/selection"
	"github.com/coolbeans/csscoverage/pkg/state"
	"github.com/coolbeans/csscoverage/pkg/statcounter"
	"github.com/coolbeans/csscoverage/pkg/storage"
)

// ErrUnknownBrowser is returned when a share is set for a browser outside the catalog.
var ErrUnknownBrowser = errors.New("session: unknown browser")

// ErrNoFeed is returned by RefreshStats when no feed is configured.
var ErrNoFeed = errors.New("session: no statistics feed configured")

// Status is the readiness of the snapshot's data source.
type Status string

const (
	// StatusIdle means no data source has been chosen.
	StatusIdle Status = "idle"

	// StatusPending means a feed request is in flight.
	StatusPending Status = "pending"

	// StatusReady means the shares are usable.
	StatusReady Status = "ready"

	// StatusFailed means the last feed request failed. The previous shares
	// are kept.
	StatusFailed Status = "failed"
)

// Snapshot is one immutable view of the user state.
type Snapshot struct {
	Source    state.Tag
	Toggles   []string
	Options   matrix.Options
	Shares    browser.Shares
	Status    Status
	Err       error
	UpdatedAt time.Time
}

func (s Snapshot) clone() Snapshot {
	s.Toggles = append([]string(nil), s.Toggles...)
	s.Shares = s.Shares.Clone()
	return s
}

// Token encodes the snapshot.
func (s Snapshot) Token() string {
	return state.Encode(s.Source, s.Toggles, s.Options, s.Shares)
}

// Fetcher retrieves live shares. *statcounter.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context) (*statcounter.Result, error)
}

// Controller serializes events against the current snapshot.
type Controller struct {
	mu       sync.Mutex
	matrix   *matrix.Store
	store    storage.Store
	feed     Fetcher
	snapshot Snapshot
	now      func() time.Time

	tickerCancel context.CancelFunc
	ticker       tickerSpec
}

type tickerSpec struct {
	ctx      context.Context
	interval time.Duration
	onTick   func(age time.Duration)
}

// Option configures a Controller.
type Option func(*Controller)

// WithFeed sets the statistics feed.
func WithFeed(feed Fetcher) Option {
	return func(c *Controller) { c.feed = feed }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller over the given matrix and store.
func New(store *matrix.Store, kv storage.Store, opts ...Option) *Controller {
	c := &Controller{
		matrix:   store,
		store:    kv,
		snapshot: Snapshot{Toggles: []string{}, Shares: browser.Shares{}, Status: StatusIdle},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns a copy of the current snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.clone()
}

// Token returns the encoded current snapshot.
func (c *Controller) Token() string {
	return c.Snapshot().Token()
}

// apply builds the next snapshot from the current one, installs it and
// persists its token. Callers hold c.mu.
func (c *Controller) apply(mutate func(*Snapshot)) error {
	next := c.snapshot.clone()
	mutate(&next)
	c.snapshot = next
	return c.persist(next)
}

// persist saves the snapshot's token and records its source as the one to
// restore next.
func (c *Controller) persist(s Snapshot) error {
	if keyFor(s.Source) == "" {
		return nil
	}
	if err := c.saveToken(s); err != nil {
		return err
	}
	if err := c.store.Set(storage.KeyLastSource, string(s.Source)); err != nil {
		return fmt.Errorf("persisting last source: %w", err)
	}
	return nil
}

// saveToken saves the snapshot's token under its source key only.
func (c *Controller) saveToken(s Snapshot) error {
	key := keyFor(s.Source)
	if key == "" {
		return nil
	}
	if err := c.store.Set(key, s.Token()); err != nil {
		return fmt.Errorf("persisting %s state: %w", s.Source, err)
	}
	return nil
}

// claimSource makes a sourceless snapshot custom so that it can be saved.
func claimSource(s *Snapshot) {
	if s.Source == state.TagNone {
		s.Source = state.TagCustom
		s.Status = StatusReady
	}
}

func keyFor(tag state.Tag) string {
	switch tag {
	case state.TagStatCounter:
		return storage.KeyStatCounter
	case state.TagCustom:
		return storage.KeyCustom
	default:
		return ""
	}
}

// Load replaces the state with a decoded token and persists it under its tag.
func (c *Controller) Load(token string) error {
	decoded := state.Decode(token)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(func(s *Snapshot) {
		s.Source = decoded.Tag
		s.Toggles = decoded.Toggles
		s.Options = decoded.Options
		s.Shares = decoded.Shares
		s.Err = nil
		s.Status = StatusReady
		if decoded.Tag == state.TagNone {
			s.Status = StatusIdle
		}
	})
}

// Restore loads the persisted token for preferred. When preferred is
// TagNone it loads the most recently saved source, falling back to the
// statcounter token and then the custom token. It reports whether anything
// was loaded.
func (c *Controller) Restore(preferred state.Tag) (bool, error) {
	candidates := []string{storage.KeyStatCounter, storage.KeyCustom}
	if key := keyFor(preferred); key != "" {
		candidates = []string{key}
	} else {
		last, ok, err := c.store.Get(storage.KeyLastSource)
		if err != nil {
			return false, fmt.Errorf("restoring last source: %w", err)
		}
		if tag, known := state.ParseTag(last); ok && known {
			candidates = append([]string{keyFor(tag)}, candidates...)
		}
	}

	for _, key := range candidates {
		token, ok, err := c.store.Get(key)
		if err != nil {
			return false, fmt.Errorf("restoring %s state: %w", key, err)
		}
		if !ok {
			continue
		}
		if err := c.Load(token); err != nil {
			return false, err
		}
		if key == storage.KeyStatCounter {
			if at, ok, err := storage.GetTimestamp(c.store, storage.KeyStatCounterTimestamp); err == nil && ok {
				c.mu.Lock()
				c.snapshot.UpdatedAt = at
				c.mu.Unlock()
			}
		}
		logging.Logger().Debug("restored state", "key", key)
		return true, nil
	}
	return false, nil
}

// UseCustom switches to hand-entered shares, keeping the current values.
func (c *Controller) UseCustom() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(func(s *Snapshot) {
		s.Source = state.TagCustom
		s.Status = StatusReady
		s.Err = nil
	})
}

// SetShare sets one browser share. Negative and non-finite values are stored
// as 0. Editing shares switches the source to custom.
func (c *Controller) SetShare(id browser.ID, value float64) error {
	if !browser.Known(id) {
		return fmt.Errorf("%w: %q", ErrUnknownBrowser, id)
	}
	if !state.ValidShare(value) {
		value = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(func(s *Snapshot) {
		s.Source = state.TagCustom
		s.Status = StatusReady
		s.Err = nil
		s.Shares[id] = value
	})
}

// SetShareInput parses raw user input for one browser and stores the value.
// The returned status lets the caller highlight invalid input; the numeric
// part is stored regardless.
func (c *Controller) SetShareInput(id browser.ID, raw string) (analysis.InputStatus, error) {
	value, status := analysis.ParseShareInput(raw)
	if status == analysis.InputEmpty {
		if !browser.Known(id) {
			return status, fmt.Errorf("%w: %q", ErrUnknownBrowser, id)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return status, c.apply(func(s *Snapshot) {
			s.Source = state.TagCustom
			s.Status = StatusReady
			delete(s.Shares, id)
		})
	}
	return status, c.SetShare(id, value)
}

// SetOptions replaces the option flags. A state without a source becomes
// custom.
func (c *Controller) SetOptions(opts matrix.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(func(s *Snapshot) {
		claimSource(s)
		s.Options = opts
	})
}

// SetToggles replaces the selected categories. Toggles are resolved against
// the matrix and stored as short toggle ids; unknown ones are dropped. A
// state without a source becomes custom.
func (c *Controller) SetToggles(toggles []string) error {
	ids := selection.Resolve(c.matrix, toggles)
	resolved := selection.Toggles(c.matrix, ids)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apply(func(s *Snapshot) {
		claimSource(s)
		s.Toggles = resolved
	})
}

// Selected returns the canonical ids of the selected categories.
func (c *Controller) Selected() []matrix.CategoryID {
	return selection.Resolve(c.matrix, c.Snapshot().Toggles)
}

// Summary totals the current shares.
func (c *Controller) Summary() analysis.Summary {
	return analysis.Summarize(c.Snapshot().Shares)
}

// Results aggregates the selected categories of the current snapshot.
func (c *Controller) Results() map[matrix.CategoryID][]analysis.Result {
	snapshot := c.Snapshot()
	ids := selection.Resolve(c.matrix, snapshot.Toggles)
	return analysis.Aggregate(c.matrix, ids, snapshot.Shares, snapshot.Options)
}

// Report builds a renderable report of the selected categories.
func (c *Controller) Report() report.Report {
	snapshot := c.Snapshot()
	ids := selection.Resolve(c.matrix, snapshot.Toggles)
	return report.Build(c.matrix, string(snapshot.Source), ids, snapshot.Shares, snapshot.Options)
}

// Reset clears persisted state and returns to an idle snapshot.
func (c *Controller) Reset() error {
	c.StopAgeTicker()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = Snapshot{Toggles: []string{}, Shares: browser.Shares{}, Status: StatusIdle}
	return storage.Reset(c.store)
}
