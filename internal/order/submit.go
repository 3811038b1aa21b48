package order

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/espa"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
)

// Lister reads the account's orders.
type Lister interface {
	ListOrders(ctx context.Context, email string) ([]string, error)
	GetOrder(ctx context.Context, orderID string) (*espa.OrderInfo, error)
	GetOrderStatus(ctx context.Context, orderID string) (string, error)
}

// Gateway is the part of the service the submission flow needs.
type Gateway interface {
	Lister
	PostOrder(ctx context.Context, body []byte) (*espa.SubmitResponse, error)
}

// ActiveOrders yields the account's order IDs newest first, stopping at the
// first purged order. Everything older than a purged order is assumed to be
// purged too.
func ActiveOrders(ctx context.Context, gw Lister) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ids, err := gw.ListOrders(ctx, "")
		if err != nil {
			yield("", err)
			return
		}
		for _, id := range ids {
			status, err := gw.GetOrderStatus(ctx, id)
			if err != nil {
				yield("", err)
				return
			}
			if status == espa.OrderStatusPurged {
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func allOrders(ctx context.Context, gw Lister) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ids, err := gw.ListOrders(ctx, "")
		if err != nil {
			yield("", err)
			return
		}
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// FindByNote returns the first order, newest first, whose note contains note.
// With activeOnly the scan stops at the first purged order.
func FindByNote(ctx context.Context, gw Lister, note string, activeOnly bool) (string, bool, error) {
	orders := allOrders(ctx, gw)
	if activeOnly {
		orders = ActiveOrders(ctx, gw)
	}

	for id, err := range orders {
		if err != nil {
			return "", false, err
		}
		info, err := gw.GetOrder(ctx, id)
		if err != nil {
			return "", false, err
		}
		if strings.Contains(info.Note, note) {
			return id, true, nil
		}
	}
	return "", false, nil
}

// SubmitOptions control Submit.
type SubmitOptions struct {
	// AutoRepair removes tiles named in a rejection and resubmits once.
	AutoRepair bool
	// ActiveOnly restricts the duplicate scan to orders that are not purged.
	ActiveOnly bool
}

// Result describes what Submit did.
type Result struct {
	OrderID      string
	Duplicate    bool                // an existing order was reused and nothing was posted
	Repaired     bool                // the order was resubmitted after removing tiles
	RemovedTiles map[string][]string // tiles dropped by repair, per product
	Response     *espa.SubmitResponse
}

// Rejected reports whether the final submission was refused.
func (r *Result) Rejected() bool {
	return r.Response != nil && r.Response.Rejected()
}

// Submit deduplicates by note and posts the order. A rejection is not an
// error; check Result.Rejected.
func (o *Order) Submit(ctx context.Context, gw Gateway, opts SubmitOptions) (*Result, error) {
	if gw == nil {
		return nil, ErrInvalidClient
	}
	log := logging.FromContext(ctx, "order")

	res, err := o.submitOnce(ctx, gw, opts.ActiveOnly)
	if err != nil || res.Duplicate || !opts.AutoRepair || !res.Rejected() {
		return res, err
	}

	found := o.extractor.Extract(o.Products(), string(res.Response.Body))
	removed := make(map[string][]string)
	for product, bad := range found {
		current := o.Tiles(product)
		n, err := o.RemoveTiles(product, bad...)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		for _, t := range bad {
			if slices.Contains(current, t) {
				removed[product] = append(removed[product], t)
			}
		}
		if m := metrics.Get(); m != nil {
			m.AddTilesRemoved(product, float64(n))
		}
	}

	if len(removed) == 0 {
		log.Warn("order rejected and no tiles could be repaired", "status", res.Response.StatusCode)
		return res, nil
	}

	log.Info("resubmitting order without rejected tiles", "removed", removed)

	repaired, err := o.submitOnce(ctx, gw, opts.ActiveOnly)
	if err != nil {
		return nil, err
	}
	repaired.Repaired = true
	repaired.RemovedTiles = removed

	if m := metrics.Get(); m != nil && !repaired.Rejected() && !repaired.Duplicate {
		m.IncOrdersSubmitted("repaired")
	}
	return repaired, nil
}

func (o *Order) submitOnce(ctx context.Context, gw Gateway, activeOnly bool) (*Result, error) {
	log := logging.FromContext(ctx, "order")
	m := metrics.Get()

	body, err := o.Payload()
	if err != nil {
		return nil, err
	}

	if note := o.Note(); note != "" {
		id, ok, err := FindByNote(ctx, gw, note, activeOnly)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Info("duplicate order found", "order_id", id, "note", note)
			if m != nil {
				m.IncOrdersSubmitted("duplicate")
			}
			return &Result{OrderID: id, Duplicate: true}, nil
		}
	}

	resp, err := gw.PostOrder(ctx, body)
	if err != nil {
		return nil, err
	}

	if resp.Rejected() {
		log.Warn("order rejected", "status", resp.StatusCode, "body", string(resp.Body))
		if m != nil {
			m.IncOrdersSubmitted("rejected")
		}
	} else {
		log.Info("order submitted", "order_id", resp.OrderID, "status", resp.StatusCode)
		if m != nil {
			m.IncOrdersSubmitted("submitted")
		}
	}

	return &Result{OrderID: resp.OrderID, Response: resp}, nil
}
