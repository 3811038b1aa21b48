package fulfill

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/archive"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/download"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/espa"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/events"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
)

// Defaults for Config.
const (
	DefaultPollInterval = 300 * time.Second
	DefaultTimeout      = 86400 * time.Second
)

// ItemSource reports the items of an order.
type ItemSource interface {
	GetItemStatus(ctx context.Context, orderID, itemID string) ([]espa.Item, error)
}

// Downloader materializes one item URL.
type Downloader interface {
	Download(ctx context.Context, sourceURL string, mode download.Mode) (download.Artifact, error)
}

// Delivery is one completed item materialized on disk.
type Delivery struct {
	OrderID string
	Item    espa.Item
	download.Artifact
}

// DeliveryError is a failed download of a completed item.
type DeliveryError struct {
	OrderID string
	Item    string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s of order %s: %v", e.Item, e.OrderID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Config controls polling.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration // zero or less polls until settled
	Mode         download.Mode
}

// Controller polls one order at a time and downloads its completed items.
// A Controller may run several orders concurrently as long as their
// Downloaders write to separate directories.
type Controller struct {
	items       ItemSource
	downloader  Downloader
	cfg         Config
	checkpoints checkpoint.Manager
	emitter     events.Emitter
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithCheckpoints records delivery progress per order.
func WithCheckpoints(m checkpoint.Manager) Option {
	return func(c *Controller) { c.checkpoints = m }
}

// WithEmitter publishes delivery and settlement events.
func WithEmitter(e events.Emitter) Option {
	return func(c *Controller) { c.emitter = e }
}

// WithClock replaces the time source and the wait between polls.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// NewController creates a Controller.
func NewController(items ItemSource, dl Downloader, cfg Config, opts ...Option) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	noop, _ := checkpoint.NewManager(checkpoint.Config{})
	c := &Controller{
		items:       items,
		downloader:  dl,
		cfg:         cfg,
		checkpoints: noop,
		emitter:     events.Noop(),
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithDownloader returns a copy of c using dl.
func (c *Controller) WithDownloader(dl Downloader) *Controller {
	cp := *c
	cp.downloader = dl
	return &cp
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var inFlight atomic.Int64

func itemKey(item espa.Item) string {
	if item.Name != "" {
		return item.Name
	}
	return item.ProductDownloadURL
}

// Fulfill returns the deliveries of orderID as they complete. Each completed
// item is downloaded once per call. The sequence ends when no item is active
// or when the timeout has elapsed at a poll boundary; a timeout is not an
// error. Failed polls and downloads are yielded as errors and the next poll
// retries them. Breaking out of the loop stops all further polling and
// downloading.
func (c *Controller) Fulfill(ctx context.Context, orderID string) iter.Seq2[Delivery, error] {
	return func(yield func(Delivery, error) bool) {
		log := logging.OrderLogger(ctx, "fulfill", orderID)
		m := metrics.Get()

		if m != nil {
			m.SetInFlightOrders(float64(inFlight.Add(1)))
			defer func() { m.SetInFlightOrders(float64(inFlight.Add(-1))) }()
		} else {
			inFlight.Add(1)
			defer inFlight.Add(-1)
		}

		cp, err := c.checkpoints.Load(ctx, orderID)
		if err != nil {
			if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
				log.Warn("failed to load checkpoint", "error", err)
			}
			cp = &checkpoint.Checkpoint{OrderID: orderID}
		}

		start := c.now()
		delivered := make(map[string]bool)
		abandoned := make(map[string]bool)
		for _, key := range cp.Abandoned {
			abandoned[key] = true
		}

		for {
			elapsed := c.now().Sub(start)
			if c.cfg.Timeout > 0 && elapsed > c.cfg.Timeout {
				log.Warn("timeout reached, order not settled",
					"elapsed", elapsed.Round(time.Second).String(),
					"delivered", len(delivered),
				)
				return
			}

			items, err := c.items.GetItemStatus(ctx, orderID, "")
			cp.Polls++
			if m != nil {
				m.IncPollCycles(orderID)
			}
			if err != nil {
				if !yield(Delivery{}, fmt.Errorf("poll order %s: %w", orderID, err)) {
					return
				}
				if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
					yield(Delivery{}, err)
					return
				}
				continue
			}

			cls := Classify(items)
			if m != nil {
				for status, n := range cls.Counts() {
					m.SetItemsByStatus(orderID, status, float64(n))
				}
			}
			log.Info("polled order",
				"complete", len(cls.Complete),
				"error", len(cls.Error),
				"active", len(cls.Active),
				"elapsed", elapsed.Round(time.Second).String(),
			)

			for _, item := range cls.Complete {
				key := itemKey(item)
				if delivered[key] || abandoned[key] {
					continue
				}

				d, err := c.deliver(ctx, orderID, item)
				if err != nil {
					if errors.Is(err, archive.ErrUnsupportedFormat) {
						abandoned[key] = true
						cp.MarkAbandoned(key)
					} else {
						cp.MarkFailed(key)
					}
					c.saveCheckpoint(ctx, cp)
					if !yield(Delivery{}, err) {
						return
					}
					continue
				}

				delivered[key] = true
				cp.MarkDelivered(key)
				c.saveCheckpoint(ctx, cp)
				if !yield(d, nil) {
					return
				}
			}

			if cls.Settled() {
				cp.Settled = len(cp.Failed) == 0
				c.saveCheckpoint(ctx, cp)
				c.emit(ctx, events.Event{
					Type:      events.TypeOrderSettled,
					OrderID:   orderID,
					Delivered: len(delivered),
					Failed:    len(cp.Failed),
				})
				log.Info("order settled",
					"delivered", len(delivered),
					"errored_items", len(cls.Error),
					"failed_downloads", len(cp.Failed),
					"elapsed", c.now().Sub(start).Round(time.Second).String(),
				)
				for _, item := range cls.Error {
					log.Warn("item failed remotely", "item", item.Name, "note", item.Note)
				}
				return
			}

			if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
				yield(Delivery{}, err)
				return
			}
		}
	}
}

func (c *Controller) deliver(ctx context.Context, orderID string, item espa.Item) (Delivery, error) {
	m := metrics.Get()

	if item.ProductDownloadURL == "" {
		if m != nil {
			m.IncArtifactsFailed(orderID)
		}
		return Delivery{}, &DeliveryError{OrderID: orderID, Item: item.Name, Err: errors.New("complete item has no download URL")}
	}

	art, err := c.downloader.Download(ctx, item.ProductDownloadURL, c.cfg.Mode)
	if err != nil {
		if m != nil {
			m.IncArtifactsFailed(orderID)
		}
		return Delivery{}, &DeliveryError{OrderID: orderID, Item: item.Name, Err: err}
	}

	if m != nil {
		m.IncArtifactsDelivered(orderID, art.Fresh)
	}
	c.emit(ctx, events.Event{
		Type:      events.TypeArtifactDelivered,
		OrderID:   orderID,
		Item:      item.Name,
		SourceURL: art.SourceURL,
		Path:      art.Path,
		Fresh:     art.Fresh,
	})

	return Delivery{OrderID: orderID, Item: item, Artifact: art}, nil
}

func (c *Controller) saveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) {
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		logging.Component("fulfill").Warn("failed to save checkpoint", "order_id", cp.OrderID, "error", err)
	}
}

func (c *Controller) emit(ctx context.Context, evt events.Event) {
	if err := c.emitter.Emit(ctx, evt); err != nil {
		logging.Component("fulfill").Warn("failed to emit event", "type", evt.Type, "order_id", evt.OrderID, "error", err)
	}
}
