package ticket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/docstore"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/observability"
)

type Reason string

const (
	ReasonInvalidFormat        Reason = "invalid_format"
	ReasonBusMismatch          Reason = "bus_mismatch"
	ReasonUserNotFound         Reason = "user_not_found"
	ReasonSubscriptionNotFound Reason = "subscription_not_found"
	ReasonPaymentPending       Reason = "payment_pending"
	ReasonPaymentUnpaid        Reason = "payment_unpaid"
	ReasonInactive             Reason = "inactive"
	ReasonDuplicateScan        Reason = "duplicate_scan"
	// ReasonLookupFailed marks a store outage, not a verdict about the
	// rider. The driver retries instead of turning the rider away.
	ReasonLookupFailed Reason = "lookup_failed"
)

// Result classifies a scan. Every denial carries one reason from the closed
// set above; the driver UI collapses all of them to "deny boarding".
type Result struct {
	Authorized     bool   `json:"authorized"`
	Reason         Reason `json:"reason,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	BusID          string `json:"bus_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Publisher emits scan events to the ticket-event stream.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.TicketEvent) error
}

// Notifier pushes a scan outcome to the bus driver's live session.
type Notifier interface {
	Notify(busID string, v any) error
}

// Scanner validates scanned payloads against the bus roster, which is the
// single source of truth for boarding authorization. The user document is
// only consulted to distinguish an unknown rider from a missing seat.
type Scanner struct {
	Store  docstore.Store
	Replay *ReplayCache // optional
	Events Publisher    // optional
	Notify Notifier     // optional
	Logger *slog.Logger // optional
}

// Validate parses the payload, cross-references the rider against the
// roster of busID and classifies the outcome. Boarding is authorized only
// for an active, paid roster entry.
func (s *Scanner) Validate(ctx context.Context, raw, busID string) Result {
	start := time.Now()
	res := s.classify(ctx, raw, busID)
	observability.ScanLatency.Observe(time.Since(start).Seconds())
	observability.ScansTotal.WithLabelValues(scanLabel(res)).Inc()
	if s.Events != nil {
		_ = s.Events.PublishEvent(ctx, models.TicketEvent{
			Type:           models.EventScan,
			UserID:         res.UserID,
			BusID:          busID,
			SubscriptionID: res.SubscriptionID,
			ScanResult:     scanLabel(res),
			At:             time.Now(),
		})
	}
	if s.Notify != nil {
		_ = s.Notify.Notify(busID, res)
	}
	return res
}

func (s *Scanner) classify(ctx context.Context, raw, busID string) Result {
	p, ok := Decode(raw)
	if !ok {
		return Result{Reason: ReasonInvalidFormat, BusID: busID}
	}
	res := Result{UserID: p.UserID, BusID: busID, SubscriptionID: p.SubscriptionID}
	if p.BusID != busID {
		res.Reason = ReasonBusMismatch
		return res
	}
	if _, err := s.Store.GetUser(ctx, p.UserID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			res.Reason = ReasonUserNotFound
		} else {
			s.logLookupError("user", p.UserID, err)
			res.Reason = ReasonLookupFailed
		}
		return res
	}
	b, err := s.Store.GetBus(ctx, busID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			res.Reason = ReasonBusMismatch
		} else {
			s.logLookupError("bus", busID, err)
			res.Reason = ReasonLookupFailed
		}
		return res
	}
	entry, found := findRosterEntry(b.Roster, p)
	if !found {
		res.Reason = ReasonSubscriptionNotFound
		return res
	}
	res.SubscriptionID = entry.SubscriptionID
	if entry.Status != models.StatusActive {
		res.Reason = ReasonInactive
		return res
	}
	switch entry.PaymentStatus {
	case models.PaymentPending:
		res.Reason = ReasonPaymentPending
		return res
	case models.PaymentUnpaid:
		res.Reason = ReasonPaymentUnpaid
		return res
	}
	if s.Replay != nil && !s.Replay.FirstSeen(entry.SubscriptionID, busID) {
		res.Reason = ReasonDuplicateScan
		return res
	}
	res.Authorized = true
	return res
}

// findRosterEntry matches by subscription id when the payload carries one,
// falling back to user id for tickets issued before ids were embedded.
func findRosterEntry(roster []models.RosterEntry, p *Payload) (models.RosterEntry, bool) {
	if p.SubscriptionID != "" {
		for _, e := range roster {
			if e.SubscriptionID == p.SubscriptionID {
				return e, true
			}
		}
		return models.RosterEntry{}, false
	}
	for _, e := range roster {
		if e.UserID == p.UserID {
			return e, true
		}
	}
	return models.RosterEntry{}, false
}

func (s *Scanner) logLookupError(kind, id string, err error) {
	if s.Logger != nil {
		s.Logger.Error("scan lookup failed", "kind", kind, "id", id, "error", err)
	}
}

func scanLabel(r Result) string {
	if r.Authorized {
		return "authorized"
	}
	return string(r.Reason)
}
