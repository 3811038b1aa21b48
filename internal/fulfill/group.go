package fulfill

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/download"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/espa"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/order"
)

// Handler receives every value a fulfillment sequence yields. Returning an
// error stops that order and cancels the rest of the group.
type Handler func(orderID string, d Delivery, err error) error

// RunGroup fulfills orderIDs concurrently, at most limit at a time. Each
// order downloads into its own subdirectory of base so concurrent runs never
// share an artifact path.
func RunGroup(ctx context.Context, c *Controller, base *download.Downloader, orderIDs []string, limit int, handle Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for i, id := range orderIDs {
		g.Go(func() error {
			correlationID := logging.GenerateCorrelationID()
			log := logging.WorkerLogger(i, id).With("correlation_id", correlationID)

			dl, err := base.WithDir(filepath.Join(base.Dir(), id))
			if err != nil {
				return fmt.Errorf("order %s: %w", id, err)
			}

			log.Info("fulfilling order", "dir", dl.Dir())
			octx := logging.WithCorrelationID(gctx, correlationID)
			var delivered, failed int
			for d, err := range c.WithDownloader(dl).Fulfill(octx, id) {
				if err != nil {
					failed++
				} else {
					delivered++
				}
				if herr := handle(id, d, err); herr != nil {
					log.Warn("handler stopped order", "error", herr)
					return fmt.Errorf("order %s: %w", id, herr)
				}
			}
			log.Info("order finished", "delivered", delivered, "errors", failed)
			return nil
		})
	}

	return g.Wait()
}

// StatusSource is what ItemsByStatus needs from the service.
type StatusSource interface {
	order.Lister
	ItemSource
}

// ItemsByStatus returns the items in status. An empty orderID collects them
// from every active order.
func ItemsByStatus(ctx context.Context, src StatusSource, orderID, status string) ([]espa.Item, error) {
	if orderID != "" {
		items, err := src.GetItemStatus(ctx, orderID, "")
		if err != nil {
			return nil, err
		}
		return filterStatus(items, status), nil
	}

	var out []espa.Item
	for id, err := range order.ActiveOrders(ctx, src) {
		if err != nil {
			return nil, err
		}
		items, err := src.GetItemStatus(ctx, id, "")
		if err != nil {
			return nil, err
		}
		out = append(out, filterStatus(items, status)...)
	}
	return out, nil
}

func filterStatus(items []espa.Item, status string) []espa.Item {
	var out []espa.Item
	for _, item := range items {
		if item.Status == status {
			out = append(out, item)
		}
	}
	return out
}
