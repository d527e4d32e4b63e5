package models

import "time"

type SubscriptionType string

const (
	TypeMonthly SubscriptionType = "monthly"
	TypePerRide SubscriptionType = "per_ride"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentUnpaid  PaymentStatus = "unpaid"
)

type SubscriptionStatus string

const (
	StatusActive       SubscriptionStatus = "active"
	StatusUnsubscribed SubscriptionStatus = "unsubscribed"
	StatusExpired      SubscriptionStatus = "expired"
	StatusReplaced     SubscriptionStatus = "replaced"
)

// Subscription lives inside a user document's subscriptions array.
type Subscription struct {
	SubscriptionID  string             `json:"subscription_id"`
	BusID           string             `json:"bus_id"`
	LocationID      string             `json:"location_id,omitempty"`
	Type            SubscriptionType   `json:"subscription_type"`
	PaymentStatus   PaymentStatus      `json:"payment_status"`
	Status          SubscriptionStatus `json:"status"`
	AssignedAt      time.Time          `json:"assigned_at"`
	StartDate       *time.Time         `json:"start_date,omitempty"`
	EndDate         *time.Time         `json:"end_date,omitempty"`
	UnsubscribedAt  *time.Time         `json:"unsubscribed_at,omitempty"`
	RemovedBy       string             `json:"removed_by,omitempty"`
	QRPayload       string             `json:"qr_payload,omitempty"`
	PaymentIntentID string             `json:"payment_intent_id,omitempty"`
}

// RosterEntry is the bus document's copy of a rider's authorization state.
// It carries its own status/payment fields; drift against the user document
// is repaired by the reconcile pass.
type RosterEntry struct {
	UserID         string             `json:"user_id"`
	SubscriptionID string             `json:"subscription_id"`
	Status         SubscriptionStatus `json:"status"`
	PaymentStatus  PaymentStatus      `json:"payment_status"`
	JoinedAt       time.Time          `json:"joined_at"`
}

type User struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type Schedule struct {
	Days      []string `json:"days"`
	Departure string   `json:"departure"` // "07:30"
	Arrival   string   `json:"arrival"`
}

type Bus struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	RouteName string        `json:"route_name"`
	Capacity  int           `json:"capacity"`
	Schedule  Schedule      `json:"schedule"`
	Stops     []Stop        `json:"stops"`
	Roster    []RosterEntry `json:"roster"`
}

// ActiveRosterCount reports the entries that hold a seat for capacity
// purposes. A drifted roster must not block new riders forever, so only
// active entries count.
func (b *Bus) ActiveRosterCount() int {
	n := 0
	for _, e := range b.Roster {
		if e.Status == StatusActive {
			n++
		}
	}
	return n
}

// TicketEvent is the wire type published to Kafka for lifecycle transitions
// and scans. The consumer turns these into audit rows and roster-mirror
// updates.
type TicketEvent struct {
	Type           string    `json:"type"` // subscribed, unsubscribed, canceled, payment_confirmed, payment_failed, scan
	UserID         string    `json:"user_id"`
	BusID          string    `json:"bus_id"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ScanResult     string    `json:"scan_result,omitempty"`
	At             time.Time `json:"at"`
}

const (
	EventSubscribed       = "subscribed"
	EventUnsubscribed     = "unsubscribed"
	EventCanceled         = "canceled"
	EventPaymentConfirmed = "payment_confirmed"
	EventPaymentFailed    = "payment_failed"
	EventScan             = "scan"
)
