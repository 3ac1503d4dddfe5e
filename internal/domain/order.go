package domain

import "context"

// OrderStatus tracks an order as reported by the venue.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// OrderRequest is a limit order submitted to a venue. ClientOrderID is
// assigned by the engine and makes resubmission idempotent.
type OrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Venue         string    `json:"venue"`
	Instrument    string    `json:"instrument"`
	Side          OrderSide `json:"side"`
	Quantity      float64   `json:"quantity"`
	LimitPrice    float64   `json:"limit_price"`
}

// OrderAck is the venue's view of an order.
type OrderAck struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id"`
	Status        OrderStatus `json:"status"`
	FilledQty     float64     `json:"filled_qty"`
	AvgPrice      float64     `json:"avg_price"`
	Fee           float64     `json:"fee"`
	Message       string      `json:"message,omitempty"`
}

// VenueAdapter places and manages orders on one venue. A venue refusal is
// reported as an OrderAck with OrderStatusRejected; a non-nil error means the
// outcome is unknown and the call may be retried with the same client ID.
type VenueAdapter interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	GetOrderStatus(ctx context.Context, clientOrderID string) (OrderAck, error)
}
