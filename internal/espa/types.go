package espa

import (
	"encoding/json"
	"sort"
)

// Item statuses reported by the service, in processing order.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCached     = "cached"
	StatusComplete   = "complete"
	StatusError      = "error"
)

// OrderStatusPurged marks an order whose products have been removed.
const OrderStatusPurged = "purged"

// Item is one unit of remote processing work within an order.
type Item struct {
	Name               string `json:"name"`
	Status             string `json:"status"`
	Note               string `json:"note,omitempty"`
	CompletionDate     string `json:"completion_date,omitempty"`
	ProductDownloadURL string `json:"product_dload_url,omitempty"`
	ChecksumURL        string `json:"cksum_download_url,omitempty"`
}

// Terminal reports whether the item will not change status again.
func (i Item) Terminal() bool {
	return i.Status == StatusComplete || i.Status == StatusError
}

// OrderInfo is the subset of an order document the fetcher reads.
type OrderInfo struct {
	OrderID       string          `json:"orderid"`
	Note          string          `json:"note"`
	Status        string          `json:"status"`
	OrderedAt     string          `json:"order_date,omitempty"`
	CompletedAt   string          `json:"completion_date,omitempty"`
	ProductOpts   json.RawMessage `json:"product_opts,omitempty"`
	ProductFormat string          `json:"product_format,omitempty"`
}

// OrderStatus is the body of order-status/{id}.
type OrderStatus struct {
	OrderID string `json:"orderid"`
	Status  string `json:"status"`
}

// User is the body of the user resource.
type User struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Roles     []string `json:"roles"`
}

// Schema is the order schema. Only the sensor list is decoded, the rest is
// kept raw.
type Schema struct {
	OneOrMoreObjects []string        `json:"oneormoreobjects"`
	Raw              json.RawMessage `json:"-"`
}

// Sensors returns the sensor keys accepted in an order, sorted.
func (s *Schema) Sensors() []string {
	out := append([]string(nil), s.OneOrMoreObjects...)
	sort.Strings(out)
	return out
}

// SubmitResponse is the outcome of posting an order.
type SubmitResponse struct {
	OrderID    string
	StatusCode int
	Body       []byte
}

// Rejected reports whether the service refused the order as a client error.
func (r *SubmitResponse) Rejected() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}
