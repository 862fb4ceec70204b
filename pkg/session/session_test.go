package session

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coolbeans/csscoverage/pkg/analysis"
	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/matrix"
	"github.com/coolbeans/csscoverage/pkg/state"
	"github.com/coolbeans/csscoverage/pkg/statcounter"
	"github.com/coolbeans/csscoverage/pkg/storage"
)

// fakeFeed implements Fetcher for testing.
type fakeFeed struct {
	mu      sync.Mutex
	calls   int
	results []*statcounter.Result
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFeed) Fetch(ctx context.Context) (*statcounter.Result, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results[call%len(f.results)], nil
}

var fixedNow = time.Date(2011, 2, 3, 12, 0, 0, 0, time.UTC)

func newTestController(t *testing.T, opts ...Option) (*Controller, *storage.MemoryStore) {
	t.Helper()
	kv := storage.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(matrix.Default(), kv, opts...), kv
}

func TestNewControllerIsIdle(t *testing.T) {
	controller, kv := newTestController(t)

	snapshot := controller.Snapshot()
	if snapshot.Status != StatusIdle || snapshot.Source != state.TagNone {
		t.Errorf("initial snapshot = %+v", snapshot)
	}
	if kv.Len() != 0 {
		t.Errorf("store should be empty, has %d keys", kv.Len())
	}
}

func TestSetSharePersistsCustomToken(t *testing.T) {
	controller, kv := newTestController(t)

	if err := controller.SetShare("CH1", 10); err != nil {
		t.Fatalf("SetShare failed: %v", err)
	}
	if err := controller.SetOptions(matrix.Options{VendorProperties: true}); err != nil {
		t.Fatalf("SetOptions failed: %v", err)
	}

	token, ok, _ := kv.Get(storage.KeyCustom)
	if !ok {
		t.Fatal("custom token not persisted")
	}
	if token != "#custom/v/CH1%7C10" {
		t.Errorf("token = %q", token)
	}
	if token != controller.Token() {
		t.Errorf("persisted %q, controller token %q", token, controller.Token())
	}

	if err := controller.SetShare("CH9", 1); !errors.Is(err, ErrUnknownBrowser) {
		t.Errorf("SetShare(CH9) error = %v, want ErrUnknownBrowser", err)
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	controller, _ := newTestController(t)
	controller.SetShare("IE6", 5)

	before := controller.Snapshot()
	before.Shares["IE6"] = 99

	controller.SetShare("IE7", 7)
	after := controller.Snapshot()
	if after.Shares["IE6"] != 5 {
		t.Errorf("snapshot mutation leaked into controller: IE6 = %v", after.Shares["IE6"])
	}
	if _, ok := before.Shares["IE7"]; ok {
		t.Error("earlier snapshot changed after a later event")
	}
}

func TestSetShareInput(t *testing.T) {
	controller, _ := newTestController(t)

	status, err := controller.SetShareInput("FF35", "12.5%")
	if err != nil {
		t.Fatal(err)
	}
	if status != analysis.InputInvalid {
		t.Errorf("status = %v, want invalid", status)
	}
	if got := controller.Snapshot().Shares["FF35"]; got != 12.5 {
		t.Errorf("FF35 = %v, want 12.5", got)
	}

	status, err = controller.SetShareInput("FF35", "")
	if err != nil || status != analysis.InputEmpty {
		t.Fatalf("clearing input = %v, %v", status, err)
	}
	if _, ok := controller.Snapshot().Shares["FF35"]; ok {
		t.Error("empty input should remove the share")
	}
}

func TestLoadAndResults(t *testing.T) {
	controller, kv := newTestController(t)

	token := "#custom/css2s/stale-toggle/CH1%7C10%2CIE6%7C5"
	if err := controller.Load(token); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := controller.Selected(); !reflect.DeepEqual(got, []matrix.CategoryID{"CSS2.Selectors"}) {
		t.Errorf("Selected() = %v", got)
	}

	results := controller.Results()
	if len(results) != 1 {
		t.Fatalf("expected one category, got %d", len(results))
	}
	selectors := results["CSS2.Selectors"]
	// "* selector" is supported everywhere; ":focus" is not supported by IE6.
	percents := map[string]float64{}
	for _, r := range selectors {
		percents[r.Feature] = r.SupportPercent
	}
	if percents["* selector"] != 15 {
		t.Errorf("* selector = %v, want 15", percents["* selector"])
	}
	if percents[":focus"] != 10 {
		t.Errorf(":focus = %v, want 10", percents[":focus"])
	}

	if _, ok, _ := kv.Get(storage.KeyCustom); !ok {
		t.Error("loaded custom token should be persisted")
	}

	summary := controller.Summary()
	if summary.Total != 15 || summary.OverLimit {
		t.Errorf("Summary() = %+v", summary)
	}
}

func TestSetToggles(t *testing.T) {
	controller, _ := newTestController(t)

	if err := controller.SetToggles([]string{"CSS3 Selectors", "CSS2.Declarations", "bogus"}); err != nil {
		t.Fatal(err)
	}
	snapshot := controller.Snapshot()
	if !reflect.DeepEqual(snapshot.Toggles, []string{"css2d", "css3s"}) {
		t.Errorf("Toggles = %v", snapshot.Toggles)
	}

	r := controller.Report()
	if len(r.Sections) != 2 || r.Sections[0].ID != "CSS2.Declarations" || r.Sections[1].Label != "CSS3 Selectors" {
		t.Errorf("Report sections = %+v", r.Sections)
	}
}

func TestRefreshStatsSuccess(t *testing.T) {
	fetchedAt := fixedNow.Add(-10 * time.Minute)
	feed := &fakeFeed{results: []*statcounter.Result{{
		RequestID: "req-1",
		Shares:    browser.Shares{"IE8": 30, "CH5": 12.5},
		FetchedAt: fetchedAt,
	}}}
	controller, kv := newTestController(t, WithFeed(feed))
	controller.SetToggles([]string{"css3d"})

	if err := controller.RefreshStats(context.Background()); err != nil {
		t.Fatalf("RefreshStats failed: %v", err)
	}

	snapshot := controller.Snapshot()
	if snapshot.Status != StatusReady || snapshot.Source != state.TagStatCounter {
		t.Errorf("snapshot = %+v", snapshot)
	}
	if !snapshot.UpdatedAt.Equal(fetchedAt) {
		t.Errorf("UpdatedAt = %v, want %v", snapshot.UpdatedAt, fetchedAt)
	}

	token, ok, _ := kv.Get(storage.KeyStatCounter)
	if !ok || !strings.HasPrefix(token, "#statcounter/css3d/") {
		t.Errorf("statcounter token = %q, %v", token, ok)
	}
	at, ok, _ := storage.GetTimestamp(kv, storage.KeyStatCounterTimestamp)
	if !ok || !at.Equal(fetchedAt) {
		t.Errorf("timestamp = %v, %v", at, ok)
	}
}

func TestRefreshStatsFailureIsSurfaced(t *testing.T) {
	feed := &fakeFeed{err: statcounter.ErrUnavailable}
	controller, kv := newTestController(t, WithFeed(feed))
	controller.SetShare("IE6", 40)

	err := controller.RefreshStats(context.Background())
	if !errors.Is(err, statcounter.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}

	snapshot := controller.Snapshot()
	if snapshot.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", snapshot.Status)
	}
	if !errors.Is(snapshot.Err, statcounter.ErrUnavailable) {
		t.Errorf("Err = %v", snapshot.Err)
	}
	if snapshot.Shares["IE6"] != 40 {
		t.Error("previous shares should be kept on failure")
	}
	if _, ok, _ := kv.Get(storage.KeyStatCounter); ok {
		t.Error("nothing should be persisted under statcounter on failure")
	}
}

func TestRefreshStatsPendingWhileInFlight(t *testing.T) {
	feed := &fakeFeed{
		results: []*statcounter.Result{{Shares: browser.Shares{"IE8": 1}}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	controller, _ := newTestController(t, WithFeed(feed))

	done := make(chan error, 1)
	go func() { done <- controller.RefreshStats(context.Background()) }()

	<-feed.started
	if status := controller.Snapshot().Status; status != StatusPending {
		t.Errorf("Status during fetch = %v, want pending", status)
	}

	close(feed.block)
	if err := <-done; err != nil {
		t.Fatalf("RefreshStats failed: %v", err)
	}
	snapshot := controller.Snapshot()
	if snapshot.Status != StatusReady {
		t.Errorf("Status after fetch = %v, want ready", snapshot.Status)
	}
	if !snapshot.UpdatedAt.Equal(fixedNow) {
		t.Errorf("UpdatedAt = %v, want clock time", snapshot.UpdatedAt)
	}
}

func TestRefreshStatsLastWriteWins(t *testing.T) {
	feed := &fakeFeed{results: []*statcounter.Result{
		{Shares: browser.Shares{"IE8": 1}},
		{Shares: browser.Shares{"IE8": 2}},
	}}
	controller, kv := newTestController(t, WithFeed(feed))

	controller.RefreshStats(context.Background())
	controller.RefreshStats(context.Background())

	token, _, _ := kv.Get(storage.KeyStatCounter)
	if decoded := state.Decode(token); decoded.Shares["IE8"] != 2 {
		t.Errorf("persisted IE8 = %v, want 2", decoded.Shares["IE8"])
	}
}

func TestRefreshStatsNoFeed(t *testing.T) {
	controller, _ := newTestController(t)
	if err := controller.RefreshStats(context.Background()); !errors.Is(err, ErrNoFeed) {
		t.Errorf("error = %v, want ErrNoFeed", err)
	}
}

func TestRestoreWithoutLastSource(t *testing.T) {
	controller, kv := newTestController(t)

	if ok, err := controller.Restore(state.TagNone); ok || err != nil {
		t.Fatalf("Restore on empty store = %v, %v", ok, err)
	}

	kv.Set(storage.KeyCustom, "#custom/i/IE6%7C5")
	kv.Set(storage.KeyStatCounter, "#statcounter/IE8%7C20")
	storage.SetTimestamp(kv, storage.KeyStatCounterTimestamp, fixedNow.Add(-time.Hour))

	ok, err := controller.Restore(state.TagNone)
	if !ok || err != nil {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	snapshot := controller.Snapshot()
	if snapshot.Source != state.TagStatCounter || snapshot.Shares["IE8"] != 20 {
		t.Errorf("restored %+v, want statcounter state", snapshot)
	}
	if !snapshot.UpdatedAt.Equal(fixedNow.Add(-time.Hour)) {
		t.Errorf("UpdatedAt = %v", snapshot.UpdatedAt)
	}

	ok, err = controller.Restore(state.TagCustom)
	if !ok || err != nil {
		t.Fatalf("Restore(custom) = %v, %v", ok, err)
	}
	snapshot = controller.Snapshot()
	if snapshot.Source != state.TagCustom || !snapshot.Options.IEFilters || snapshot.Shares["IE6"] != 5 {
		t.Errorf("restored %+v, want custom state", snapshot)
	}
}

func TestRestorePrefersLastSavedSource(t *testing.T) {
	feed := &fakeFeed{results: []*statcounter.Result{{Shares: browser.Shares{"IE6": 20}}}}
	controller, kv := newTestController(t, WithFeed(feed))

	if err := controller.RefreshStats(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := controller.SetShare("CH5", 30); err != nil {
		t.Fatal(err)
	}

	restored := New(matrix.Default(), kv, WithFeed(feed))
	if ok, err := restored.Restore(state.TagNone); !ok || err != nil {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	snapshot := restored.Snapshot()
	if snapshot.Source != state.TagCustom || snapshot.Shares["CH5"] != 30 {
		t.Errorf("restored %+v, want the later custom edit", snapshot)
	}

	// Fetching again makes statcounter the latest source.
	if err := restored.RefreshStats(context.Background()); err != nil {
		t.Fatal(err)
	}
	again := New(matrix.Default(), kv)
	if _, err := again.Restore(state.TagNone); err != nil {
		t.Fatal(err)
	}
	if source := again.Snapshot().Source; source != state.TagStatCounter {
		t.Errorf("Source = %q, want statcounter", source)
	}
}

func TestRefreshStatsLateResultKeepsCustomAsLast(t *testing.T) {
	feed := &fakeFeed{
		results: []*statcounter.Result{{Shares: browser.Shares{"IE8": 1}}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	controller, kv := newTestController(t, WithFeed(feed))

	done := make(chan error, 1)
	go func() { done <- controller.RefreshStats(context.Background()) }()

	<-feed.started
	if err := controller.SetShare("IE6", 40); err != nil {
		t.Fatal(err)
	}
	close(feed.block)
	if err := <-done; err != nil {
		t.Fatalf("RefreshStats failed: %v", err)
	}

	if _, ok, _ := kv.Get(storage.KeyStatCounter); !ok {
		t.Error("late result should still be saved under statcounter")
	}
	if last, _, _ := kv.Get(storage.KeyLastSource); last != string(state.TagCustom) {
		t.Errorf("last source = %q, want custom", last)
	}
	if source := controller.Snapshot().Source; source != state.TagCustom {
		t.Errorf("Source = %q, want custom", source)
	}
}

func TestSetTogglesAndOptionsPersistWithoutShares(t *testing.T) {
	controller, kv := newTestController(t)

	if err := controller.SetToggles([]string{"css3d"}); err != nil {
		t.Fatal(err)
	}
	if err := controller.SetOptions(matrix.Options{VendorProperties: true}); err != nil {
		t.Fatal(err)
	}

	token, ok, _ := kv.Get(storage.KeyCustom)
	if !ok || token != "#custom/css3d/v/" {
		t.Errorf("custom token = %q, %v", token, ok)
	}

	restored := New(matrix.Default(), kv)
	if ok, err := restored.Restore(state.TagNone); !ok || err != nil {
		t.Fatalf("Restore = %v, %v", ok, err)
	}
	snapshot := restored.Snapshot()
	if !reflect.DeepEqual(snapshot.Toggles, []string{"css3d"}) || !snapshot.Options.VendorProperties {
		t.Errorf("restored %+v", snapshot)
	}
}

func TestSetShareNonFinite(t *testing.T) {
	controller, _ := newTestController(t)

	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), -3} {
		if err := controller.SetShare("IE6", value); err != nil {
			t.Fatal(err)
		}
		if got := controller.Snapshot().Shares["IE6"]; got != 0 {
			t.Errorf("SetShare(%v) stored %v, want 0", value, got)
		}
	}

	controller.SetShare("IE7", 12.5)
	if summary := controller.Summary(); summary.Total != 12.5 {
		t.Errorf("Total = %v, want 12.5", summary.Total)
	}
}

func TestReset(t *testing.T) {
	controller, kv := newTestController(t)
	controller.SetShare("IE6", 5)
	storage.SetTimestamp(kv, storage.KeyStatCounterTimestamp, fixedNow)

	if err := controller.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if kv.Len() != 0 {
		t.Errorf("store has %d keys after Reset", kv.Len())
	}
	if snapshot := controller.Snapshot(); snapshot.Status != StatusIdle || len(snapshot.Shares) != 0 {
		t.Errorf("snapshot after Reset = %+v", snapshot)
	}
}

func TestAgeTicker(t *testing.T) {
	feed := &fakeFeed{results: []*statcounter.Result{{
		Shares:    browser.Shares{"IE8": 1},
		FetchedAt: fixedNow.Add(-5 * time.Minute),
	}}}
	controller, _ := newTestController(t, WithFeed(feed))

	ages := make(chan time.Duration, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	controller.StartAgeTicker(ctx, 5*time.Millisecond, func(age time.Duration) {
		select {
		case ages <- age:
		default:
		}
	})

	if err := controller.RefreshStats(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case age := <-ages:
		if age != 5*time.Minute {
			t.Errorf("age = %v, want 5m", age)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("age ticker never fired")
	}

	controller.StopAgeTicker()
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		age      time.Duration
		expected string
	}{
		{10 * time.Second, "updated just now"},
		{90 * time.Second, "updated 1 minute ago"},
		{5 * time.Minute, "updated 5 minutes ago"},
		{70 * time.Minute, "updated 1 hour ago"},
		{5 * time.Hour, "updated 5 hours ago"},
		{72 * time.Hour, "updated 3 days ago"},
	}

	for _, tc := range tests {
		if got := FormatAge(tc.age); got != tc.expected {
			t.Errorf("FormatAge(%v) = %q, want %q", tc.age, got, tc.expected)
		}
	}
}
