package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/config"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/download"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/espa"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/events"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/fetch"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/fulfill"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/order"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/storage"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/template"
)

// Set by -ldflags at build time.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

func main() {
	cfg := config.MustLoad()

	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")
	log.Info("starting espa fetcher", "version", Version, "git_sha", GitSHA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("received signal", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown complete")
			return
		}
		log.Error("fetcher failed", "error", err)
		os.Exit(1)
	}

	log.Info("espa fetcher stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.Component("main")

	if cfg.Metrics.Enabled {
		metrics.Init("espa_fetcher")
		go func() {
			log.Info("serving metrics", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	client, err := espa.Connect(ctx, espa.Config{
		Host:     cfg.Service.Host,
		Version:  cfg.Service.Version,
		Username: cfg.Service.Username,
		Password: cfg.Service.Password,
		Timeout:  cfg.Service.Timeout,
	}, nil)
	if err != nil {
		return err
	}

	cps, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		return err
	}

	orderIDs := slices.Clone(cfg.Fulfill.Resume)
	unsettled, err := cps.Unsettled(ctx)
	if err != nil {
		log.Warn("failed to list unsettled checkpoints", "error", err)
	}
	for _, id := range unsettled {
		if !slices.Contains(orderIDs, id) {
			orderIDs = append(orderIDs, id)
		}
	}

	if cfg.Order.Template != "" {
		id, err := submit(ctx, cfg, client)
		if err != nil {
			return err
		}
		if id != "" && !slices.Contains(orderIDs, id) {
			orderIDs = append(orderIDs, id)
		}
	}

	if len(orderIDs) == 0 {
		log.Info("no orders to fulfill")
		return nil
	}

	mode := download.ModeWrite
	if cfg.Download.Overwrite {
		mode = download.ModeOverwrite
	}

	fetcher := fetch.New(fetch.Config{
		MaxRetries: cfg.Download.MaxRetries,
		RetryDelay: cfg.Download.RetryDelay,
	}, nil)
	dl, err := download.New(cfg.Download.Dir, fetcher, download.Options{KeepRaw: cfg.Download.KeepRaw})
	if err != nil {
		return err
	}

	emitter := events.NewEmitter(events.Config{
		Enabled:   cfg.Events.Enabled,
		Endpoint:  cfg.Events.Endpoint,
		BackupDir: cfg.Events.BackupDir,
	})
	defer emitter.Close()

	ctrl := fulfill.NewController(client, dl, fulfill.Config{
		PollInterval: cfg.Fulfill.PollInterval,
		Timeout:      cfg.Fulfill.Timeout,
		Mode:         mode,
	}, fulfill.WithCheckpoints(cps), fulfill.WithEmitter(emitter))

	log.Info("fulfilling orders", "orders", orderIDs, "concurrency", cfg.Fulfill.Concurrency)

	return fulfill.RunGroup(ctx, ctrl, dl, orderIDs, cfg.Fulfill.Concurrency,
		func(orderID string, d fulfill.Delivery, err error) error {
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				log.Warn("delivery failed", "order_id", orderID, "error", err)
				return nil
			}
			log.Info("artifact ready",
				"order_id", orderID,
				"item", d.Item.Name,
				"path", d.Path,
				"fresh", d.Fresh,
			)
			return nil
		})
}

// submit places the configured order and returns the ID to fulfill. It
// returns an empty ID when the service rejected the order.
func submit(ctx context.Context, cfg config.Config, client *espa.Client) (string, error) {
	log := logging.Component("main")

	storeCfg := storage.Config{
		Backend:    cfg.Templates.Backend,
		LocalDir:   cfg.Templates.LocalDir,
		Bucket:     cfg.Templates.Bucket,
		S3Endpoint: cfg.Templates.S3Endpoint,
		S3Region:   cfg.Templates.S3Region,
		Prefix:     cfg.Templates.Prefix,
	}
	bucket, err := storage.OpenBucket(ctx, storeCfg)
	if err != nil {
		return "", err
	}
	defer bucket.Close()

	log.Info("using order template",
		"template", cfg.Order.Template,
		"location", storage.URI(storeCfg, template.Key(cfg.Order.Template)),
	)

	var opts []order.Option
	if !cfg.Order.EnforceNote {
		opts = append(opts, order.WithoutNoteEnforcement())
	}

	store := template.NewStore(bucket)
	o, err := order.FromTemplate(ctx, store.Template(cfg.Order.Template), cfg.Order.Note, opts...)
	if err != nil {
		return "", err
	}

	for product, tiles := range cfg.Order.Tiles {
		if err := o.AddTiles(product, tiles...); err != nil {
			return "", err
		}
	}

	res, err := o.Submit(ctx, client, order.SubmitOptions{
		AutoRepair: cfg.Order.AutoRepair,
		ActiveOnly: cfg.Order.ActiveOnly,
	})
	if err != nil {
		return "", err
	}

	switch {
	case res.Rejected():
		log.Error("order rejected",
			"status", res.Response.StatusCode,
			"body", string(res.Response.Body),
			"removed_tiles", res.RemovedTiles,
		)
		return "", nil
	case res.Duplicate:
		log.Info("reusing existing order", "order_id", res.OrderID)
	default:
		log.Info("order submitted", "order_id", res.OrderID, "repaired", res.Repaired)
	}
	return res.OrderID, nil
}
