package notify

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names the message type carried by an Envelope.
type Kind string

// Driver offer kinds.
const (
	KindZoneOffer        Kind = "zone_offer"
	KindFallbackOffer    Kind = "fallback_offer"
	KindBroadcastAccept  Kind = "broadcast_accept"
	KindBroadcastReserve Kind = "broadcast_reserve"
	KindOfferConfirmed   Kind = "offer_confirmed"
	KindOfferWithdrawn   Kind = "offer_withdrawn"
)

// Customer message kinds.
const (
	KindOrderAccepted        Kind = "order_accepted"
	KindNoDrivers            Kind = "no_drivers"
	KindReservationOffer     Kind = "reservation_offer"
	KindReservationConfirmed Kind = "reservation_confirmed"
	KindOrderCancelled       Kind = "order_cancelled"
	KindOrderExpired         Kind = "order_expired"
	KindDriverArrived        Kind = "driver_arrived"
	KindTripFinished         Kind = "trip_finished"
)

// Envelope is the JSON document handed to a Publisher.
type Envelope struct {
	Type        Kind            `json:"type"`
	RecipientID int64           `json:"recipient_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Payload     json.RawMessage `json:"payload"`
}

// Offer describes an order shown to a driver.
type Offer struct {
	Kind          Kind            `json:"-"`
	OrderID       int64           `json:"order_id"`
	Zone          string          `json:"zone,omitempty"`
	PickupAddress string          `json:"pickup_address"`
	Destination   string          `json:"destination"`
	Price         decimal.Decimal `json:"price"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

// CustomerMessage informs a customer about their order.
type CustomerMessage struct {
	Kind       Kind   `json:"-"`
	OrderID    int64  `json:"order_id"`
	DriverID   *int64 `json:"driver_id,omitempty"`
	ETAMinutes *int   `json:"eta_minutes,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
