package fulfill

import (
	"context"
	"errors"
	"iter"
	"path"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/archive"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/download"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/espa"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/events"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

// scriptedSource returns polls[i] on the i-th call, repeating the last one.
type scriptedSource struct {
	mu    sync.Mutex
	polls [][]espa.Item
	errs  map[int]error
	calls int
}

func (s *scriptedSource) GetItemStatus(ctx context.Context, orderID, itemID string) ([]espa.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if err, ok := s.errs[i]; ok {
		return nil, err
	}
	if i >= len(s.polls) {
		i = len(s.polls) - 1
	}
	return s.polls[i], nil
}

func (s *scriptedSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type mockDownloader struct {
	mu       sync.Mutex
	urls     []string
	failures map[string]error
}

func (d *mockDownloader) Download(ctx context.Context, url string, mode download.Mode) (download.Artifact, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if err, ok := d.failures[url]; ok {
		delete(d.failures, url)
		return download.Artifact{}, err
	}
	return download.Artifact{SourceURL: url, Path: "/data/" + path.Base(url), Fresh: true}, nil
}

func (d *mockDownloader) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(ctx context.Context, evt events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return nil
}

func (e *recordingEmitter) Close() error { return nil }

func item(name, status string) espa.Item {
	it := espa.Item{Name: name, Status: status}
	if status == espa.StatusComplete {
		it.ProductDownloadURL = "https://dl.example/" + name + ".tar.gz"
	}
	return it
}

func collect(t *testing.T, seq iter.Seq2[Delivery, error]) ([]Delivery, []error) {
	t.Helper()
	var ds []Delivery
	var errs []error
	for d, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ds = append(ds, d)
	}
	return ds, errs
}

func TestClassify(t *testing.T) {
	items := []espa.Item{
		item("a", espa.StatusQueued),
		item("b", espa.StatusProcessing),
		item("c", espa.StatusCached),
		item("d", espa.StatusComplete),
		item("e", espa.StatusError),
	}

	c := Classify(items)
	if len(c.Complete) != 1 || len(c.Error) != 1 || len(c.Active) != 3 {
		t.Errorf("unexpected classification: %+v", c)
	}
	if c.Settled() {
		t.Error("order with active items is not settled")
	}

	counts := c.Counts()
	if counts[espa.StatusCached] != 1 || counts[espa.StatusComplete] != 1 {
		t.Errorf("counts = %v", counts)
	}

	if !Classify([]espa.Item{item("d", espa.StatusComplete), item("e", espa.StatusError)}).Settled() {
		t.Error("all-terminal order should be settled")
	}
}

func TestFulfillDeliversEachItemOnce(t *testing.T) {
	src := &scriptedSource{polls: [][]espa.Item{
		{item("A", espa.StatusComplete), item("B", espa.StatusProcessing), item("C", espa.StatusQueued)},
		{item("A", espa.StatusComplete), item("B", espa.StatusComplete), item("C", espa.StatusProcessing)},
		{item("A", espa.StatusComplete), item("B", espa.StatusComplete), item("C", espa.StatusError)},
	}}
	dl := &mockDownloader{}
	clock := newFakeClock()
	emitter := &recordingEmitter{}

	c := NewController(src, dl, Config{PollInterval: time.Minute, Timeout: time.Hour},
		WithClock(clock.Now, clock.Sleep), WithEmitter(emitter))

	ds, errs := collect(t, c.Fulfill(context.Background(), "espa-1"))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var names []string
	for _, d := range ds {
		names = append(names, d.Item.Name)
		if d.OrderID != "espa-1" || !d.Fresh {
			t.Errorf("unexpected delivery: %+v", d)
		}
	}
	if !reflect.DeepEqual(names, []string{"A", "B"}) {
		t.Errorf("delivered = %v, want [A B]", names)
	}
	if len(dl.URLs()) != 2 {
		t.Errorf("downloads = %v, each item should be fetched once", dl.URLs())
	}
	if src.Calls() != 3 {
		t.Errorf("polls = %d, want 3", src.Calls())
	}
	if len(clock.sleeps) != 2 || clock.sleeps[0] != time.Minute {
		t.Errorf("sleeps = %v", clock.sleeps)
	}

	last := emitter.events[len(emitter.events)-1]
	if last.Type != events.TypeOrderSettled || last.Delivered != 2 {
		t.Errorf("last event = %+v", last)
	}
}

func TestFulfillSettledOnFirstPoll(t *testing.T) {
	src := &scriptedSource{polls: [][]espa.Item{
		{item("A", espa.StatusError), item("B", espa.StatusError)},
	}}
	clock := newFakeClock()
	c := NewController(src, &mockDownloader{}, Config{}, WithClock(clock.Now, clock.Sleep))

	ds, errs := collect(t, c.Fulfill(context.Background(), "espa-1"))
	if len(ds) != 0 || len(errs) != 0 {
		t.Errorf("expected nothing, got %v %v", ds, errs)
	}
	if src.Calls() != 1 || len(clock.sleeps) != 0 {
		t.Errorf("settled order should stop after one poll without sleeping")
	}
}

func TestFulfillTimeoutEndsQuietly(t *testing.T) {
	src := &scriptedSource{polls: [][]espa.Item{{item("A", espa.StatusProcessing)}}}
	clock := newFakeClock()
	c := NewController(src, &mockDownloader{}, Config{PollInterval: 10 * time.Minute, Timeout: 25 * time.Minute},
		WithClock(clock.Now, clock.Sleep))

	ds, errs := collect(t, c.Fulfill(context.Background(), "espa-1"))
	if len(ds) != 0 || len(errs) != 0 {
		t.Errorf("timeout should end without results or errors: %v %v", ds, errs)
	}
	// polls at 0m, 10m, 20m; at 30m the budget is exceeded
	if src.Calls() != 3 {
		t.Errorf("polls = %d, want 3", src.Calls())
	}
}

func TestFulfillConsumerStopsEarly(t *testing.T) {
	src := &scriptedSource{polls: [][]espa.Item{
		{item("A", espa.StatusComplete), item("B", espa.StatusComplete), item("C", espa.StatusProcessing)},
	}}
	dl := &mockDownloader{}
	clock := newFakeClock()
	c := NewController(src, dl, Config{}, WithClock(clock.Now, clock.Sleep))

	for d, err := range c.Fulfill(context.Background(), "espa-1") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Item.Name != "A" {
			t.Errorf("first delivery = %s", d.Item.Name)
		}
		break
	}

	if len(dl.URLs()) != 1 {
		t.Errorf("downloads after break = %v, want only A", dl.URLs())
	}
	if src.Calls() != 1 || len(clock.sleeps) != 0 {
		t.Error("no further polling after the consumer stops")
	}
}

func TestFulfillRetriesFailedDownloadNextPoll(t *testing.T) {
	a := item("A", espa.StatusComplete)
	src := &scriptedSource{polls: [][]espa.Item{
		{a, item("B", espa.StatusProcessing)},
		{a, item("B", espa.StatusComplete)},
	}}
	dl := &mockDownloader{failures: map[string]error{a.ProductDownloadURL: errors.New("connection reset")}}
	clock := newFakeClock()
	c := NewController(src, dl, Config{}, WithClock(clock.Now, clock.Sleep))

	ds, errs := collect(t, c.Fulfill(context.Background(), "espa-1"))

	if len(errs) != 1 {
		t.Fatalf("errors = %v, want one", errs)
	}
	var de *DeliveryError
	if !errors.As(errs[0], &de) || de.Item != "A" {
		t.Errorf("expected DeliveryError for A, got %v", errs[0])
	}

	var names []string
	for _, d := range ds {
		names = append(names, d.Item.Name)
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"A", "B"}) {
		t.Errorf("delivered = %v", names)
	}
}

func TestFulfillUnsupportedFormatIsNotRetried(t *testing.T) {
	a := item("A", espa.StatusComplete)
	src := &scriptedSource{polls: [][]espa.Item{
		{a, item("B", espa.StatusProcessing)},
		{a, item("B", espa.StatusError)},
	}}
	dl := &mockDownloader{failures: map[string]error{a.ProductDownloadURL: archive.ErrUnsupportedFormat}}
	clock := newFakeClock()
	c := NewController(src, dl, Config{}, WithClock(clock.Now, clock.Sleep))

	_, errs := collect(t, c.Fulfill(context.Background(), "espa-1"))
	if len(errs) != 1 || !errors.Is(errs[0], archive.ErrUnsupportedFormat) {
		t.Errorf("errors = %v", errs)
	}
	if len(dl.URLs()) != 1 {
		t.Errorf("unsupported artifact downloaded %d times, want 1", len(dl.URLs()))
	}
}

func TestFulfillPollErrorIsYieldedAndRetried(t *testing.T) {
	src := &scriptedSource{
		polls: [][]espa.Item{{item("A", espa.StatusComplete)}},
		errs:  map[int]error{0: espa.ErrServiceUnavailable},
	}
	clock := newFakeClock()
	c := NewController(src, &mockDownloader{}, Config{}, WithClock(clock.Now, clock.Sleep))

	ds, errs := collect(t, c.Fulfill(context.Background(), "espa-1"))
	if len(errs) != 1 || !errors.Is(errs[0], espa.ErrServiceUnavailable) {
		t.Errorf("errors = %v", errs)
	}
	if len(ds) != 1 {
		t.Errorf("deliveries = %v", ds)
	}
}

func TestFulfillWritesCheckpoint(t *testing.T) {
	ctx := context.Background()
	cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	src := &scriptedSource{polls: [][]espa.Item{
		{item("A", espa.StatusComplete), item("B", espa.StatusProcessing)},
		{item("A", espa.StatusComplete), item("B", espa.StatusComplete)},
	}}
	clock := newFakeClock()
	c := NewController(src, &mockDownloader{}, Config{}, WithClock(clock.Now, clock.Sleep), WithCheckpoints(cps))

	collect(t, c.Fulfill(ctx, "espa-1"))

	cp, err := cps.Load(ctx, "espa-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cp.Settled || cp.Polls != 2 || !reflect.DeepEqual(cp.Delivered, []string{"A", "B"}) {
		t.Errorf("checkpoint = %+v", cp)
	}

	unsettled, _ := cps.Unsettled(ctx)
	if len(unsettled) != 0 {
		t.Errorf("unsettled = %v", unsettled)
	}
}

func TestFulfillAbandonedItemDoesNotKeepOrderUnsettled(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a := item("A", espa.StatusComplete)
	b := item("B", espa.StatusComplete)
	src := &scriptedSource{polls: [][]espa.Item{{a, b}}}

	for run := 1; run <= 2; run++ {
		cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: dir})
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		dl := &mockDownloader{failures: map[string]error{a.ProductDownloadURL: archive.ErrUnsupportedFormat}}
		clock := newFakeClock()
		c := NewController(src, dl, Config{}, WithClock(clock.Now, clock.Sleep), WithCheckpoints(cps))

		_, errs := collect(t, c.Fulfill(ctx, "espa-1"))

		if run == 1 && len(errs) != 1 {
			t.Errorf("run 1: errors = %v, want the unsupported format", errs)
		}
		if run == 2 {
			if len(errs) != 0 {
				t.Errorf("run 2: errors = %v, abandoned item should be skipped", errs)
			}
			for _, u := range dl.URLs() {
				if u == a.ProductDownloadURL {
					t.Error("run 2: abandoned item was downloaded again")
				}
			}
		}

		cp, err := cps.Load(ctx, "espa-1")
		if err != nil {
			t.Fatalf("run %d: Load failed: %v", run, err)
		}
		if !cp.Settled || len(cp.Failed) != 0 || !reflect.DeepEqual(cp.Abandoned, []string{"A"}) {
			t.Errorf("run %d: checkpoint = %+v", run, cp)
		}

		unsettled, err := cps.Unsettled(ctx)
		if err != nil {
			t.Fatalf("Unsettled failed: %v", err)
		}
		if len(unsettled) != 0 {
			t.Errorf("run %d: unsettled = %v, want none", run, unsettled)
		}
	}
}

func TestFulfillFailureOnFinalPollLeavesCheckpointUnsettled(t *testing.T) {
	ctx := context.Background()
	cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	a := item("A", espa.StatusComplete)
	src := &scriptedSource{polls: [][]espa.Item{{a, item("B", espa.StatusError)}}}
	dl := &mockDownloader{failures: map[string]error{a.ProductDownloadURL: errors.New("connection reset")}}
	clock := newFakeClock()
	c := NewController(src, dl, Config{}, WithClock(clock.Now, clock.Sleep), WithCheckpoints(cps))

	ds, errs := collect(t, c.Fulfill(ctx, "espa-1"))

	if len(ds) != 0 || len(errs) != 1 {
		t.Fatalf("deliveries = %v, errors = %v, want one error", ds, errs)
	}
	var de *DeliveryError
	if !errors.As(errs[0], &de) || de.Item != "A" {
		t.Errorf("expected DeliveryError for A, got %v", errs[0])
	}
	if src.Calls() != 1 || len(clock.sleeps) != 0 {
		t.Error("settled order should end without another poll")
	}

	cp, err := cps.Load(ctx, "espa-1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.Settled || !reflect.DeepEqual(cp.Failed, []string{"A"}) {
		t.Errorf("checkpoint = %+v, want unsettled with A failed", cp)
	}

	unsettled, _ := cps.Unsettled(ctx)
	if !reflect.DeepEqual(unsettled, []string{"espa-1"}) {
		t.Errorf("unsettled = %v, want [espa-1]", unsettled)
	}
}
