package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/docstore"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/observability"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/ticket"
)

var (
	ErrAlreadySubscribed    = errors.New("an active subscription for this bus already exists")
	ErrBusFull              = errors.New("bus roster is at capacity")
	ErrNotPending           = errors.New("subscription payment is not pending")
	ErrNoActiveSubscription = errors.New("no active subscription for this bus")
	ErrNoPriorSubscription  = errors.New("no prior subscription to renew")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// PaymentHolder is the slice of the payments client the service needs:
// place a manual-capture hold at subscribe time, capture on confirmation,
// release on cancel.
type PaymentHolder interface {
	HoldFare(ctx context.Context, typ models.SubscriptionType, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Publisher emits lifecycle events to the ticket-event stream.
type Publisher interface {
	PublishEvent(ctx context.Context, ev models.TicketEvent) error
}

// RiderNotifier pushes a message to the rider's device backend.
type RiderNotifier interface {
	NotifyRider(ctx context.Context, userID, title, body string) error
}

// Service owns the subscription lifecycle. The user document and the bus
// roster are two copies of overlapping truth mutated without a transaction;
// every write path here keys roster mutations by subscription id, and
// Reconcile repairs whatever drift remains.
type Service struct {
	Store           docstore.Store
	Payments        PaymentHolder // optional
	Events          Publisher     // optional
	Notify          RiderNotifier // optional
	Logger          *slog.Logger
	DefaultCapacity int
}

// Subscribe creates an active, payment-pending subscription and seats the
// rider on the bus roster. Fails if the rider already holds an active
// subscription for this bus or the roster is full.
func (s *Service) Subscribe(ctx context.Context, userID, busID, locationID string, typ models.SubscriptionType) (*models.Subscription, error) {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sub := range u.Subscriptions {
		if sub.BusID == busID && sub.Status == models.StatusActive {
			return nil, ErrAlreadySubscribed
		}
	}
	b, err := s.Store.GetBus(ctx, busID)
	if err != nil {
		return nil, err
	}
	capacity := b.Capacity
	if capacity <= 0 {
		capacity = s.DefaultCapacity
	}
	if capacity > 0 && b.ActiveRosterCount() >= capacity {
		return nil, ErrBusFull
	}
	return s.createSubscription(ctx, userID, busID, locationID, typ)
}

// Resubscribe issues a fresh subscription for a rider whose previous one
// ended. The old record stays in the history; only a new active entry is
// appended.
func (s *Service) Resubscribe(ctx context.Context, userID, busID, locationID string, typ models.SubscriptionType) (*models.Subscription, error) {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	prior := false
	for _, sub := range u.Subscriptions {
		if sub.BusID != busID {
			continue
		}
		if sub.Status == models.StatusActive {
			return nil, ErrAlreadySubscribed
		}
		if sub.Status == models.StatusUnsubscribed || sub.Status == models.StatusExpired {
			prior = true
		}
	}
	if !prior {
		return nil, ErrNoPriorSubscription
	}
	b, err := s.Store.GetBus(ctx, busID)
	if err != nil {
		return nil, err
	}
	capacity := b.Capacity
	if capacity <= 0 {
		capacity = s.DefaultCapacity
	}
	if capacity > 0 && b.ActiveRosterCount() >= capacity {
		return nil, ErrBusFull
	}
	return s.createSubscription(ctx, userID, busID, locationID, typ)
}

func (s *Service) createSubscription(ctx context.Context, userID, busID, locationID string, typ models.SubscriptionType) (*models.Subscription, error) {
	now := time.Now()
	id := uuid.NewString()

	var intentID string
	if s.Payments != nil {
		pi, err := s.Payments.HoldFare(ctx, typ, userID)
		if err != nil {
			return nil, err
		}
		intentID = pi
	}

	sub := models.Subscription{
		SubscriptionID:  id,
		BusID:           busID,
		LocationID:      locationID,
		Type:            typ,
		PaymentStatus:   models.PaymentPending,
		Status:          models.StatusActive,
		AssignedAt:      now,
		QRPayload:       ticket.Encode(userID, busID, id, now),
		PaymentIntentID: intentID,
	}
	if err := s.Store.AppendSubscription(ctx, userID, sub); err != nil {
		return nil, err
	}
	entry := models.RosterEntry{
		UserID:         userID,
		SubscriptionID: id,
		Status:         models.StatusActive,
		PaymentStatus:  models.PaymentPending,
		JoinedAt:       now,
	}
	// Second leg of the dual write. A failure here leaves the user document
	// ahead of the roster until the next reconcile pass.
	if err := s.Store.AddRosterEntry(ctx, busID, entry); err != nil {
		s.logf("roster add failed", "user_id", userID, "bus_id", busID, "error", err)
	}
	observability.SubscriptionsCreated.Inc()
	s.publish(ctx, models.TicketEvent{Type: models.EventSubscribed, UserID: userID, BusID: busID, SubscriptionID: id, At: now})
	return &sub, nil
}

// Unsubscribe marks every active subscription for (user, bus) as
// unsubscribed and removes only that rider's roster entries.
func (s *Service) Unsubscribe(ctx context.Context, userID, busID string) error {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	ended := 0
	for _, sub := range u.Subscriptions {
		if sub.BusID != busID || sub.Status != models.StatusActive {
			continue
		}
		sub.Status = models.StatusUnsubscribed
		sub.UnsubscribedAt = &now
		if err := s.Store.UpdateSubscription(ctx, userID, sub); err != nil {
			return err
		}
		if err := s.Store.RemoveRosterEntry(ctx, busID, sub.SubscriptionID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			s.logf("roster remove failed", "user_id", userID, "bus_id", busID, "error", err)
		}
		ended++
	}
	if ended == 0 {
		return ErrNoActiveSubscription
	}
	observability.SubscriptionsEnded.WithLabelValues("unsubscribed").Inc()
	s.publish(ctx, models.TicketEvent{Type: models.EventUnsubscribed, UserID: userID, BusID: busID, At: now})
	return nil
}

// CancelPending deletes a subscription whose payment was never confirmed.
// The Stripe hold is released and any roster entry carrying the
// subscription id is dropped.
func (s *Service) CancelPending(ctx context.Context, userID, subscriptionID string) error {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	var target *models.Subscription
	for i := range u.Subscriptions {
		if u.Subscriptions[i].SubscriptionID == subscriptionID {
			target = &u.Subscriptions[i]
			break
		}
	}
	if target == nil {
		return ErrSubscriptionNotFound
	}
	if target.PaymentStatus != models.PaymentPending {
		return ErrNotPending
	}
	if s.Payments != nil && target.PaymentIntentID != "" {
		if err := s.Payments.Cancel(ctx, target.PaymentIntentID); err != nil {
			s.logf("payment cancel failed", "payment_intent", target.PaymentIntentID, "error", err)
		}
	}
	if err := s.Store.RemoveSubscription(ctx, userID, subscriptionID); err != nil {
		return err
	}
	if err := s.Store.RemoveRosterEntry(ctx, target.BusID, subscriptionID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.logf("roster remove failed", "user_id", userID, "bus_id", target.BusID, "error", err)
	}
	observability.SubscriptionsEnded.WithLabelValues("canceled").Inc()
	s.publish(ctx, models.TicketEvent{Type: models.EventCanceled, UserID: userID, BusID: target.BusID, SubscriptionID: subscriptionID, At: time.Now()})
	return nil
}

// AdminRemove unsubscribes every active subscription for (user, bus) with
// attribution of who removed the rider.
func (s *Service) AdminRemove(ctx context.Context, userID, busID, removedBy string) error {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	removed := 0
	for _, sub := range u.Subscriptions {
		if sub.BusID != busID || sub.Status != models.StatusActive {
			continue
		}
		sub.Status = models.StatusUnsubscribed
		sub.UnsubscribedAt = &now
		sub.RemovedBy = removedBy
		if err := s.Store.UpdateSubscription(ctx, userID, sub); err != nil {
			return err
		}
		if err := s.Store.RemoveRosterEntry(ctx, busID, sub.SubscriptionID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			s.logf("roster remove failed", "user_id", userID, "bus_id", busID, "error", err)
		}
		removed++
	}
	if removed == 0 {
		return ErrNoActiveSubscription
	}
	observability.SubscriptionsEnded.WithLabelValues("admin_removed").Inc()
	s.publish(ctx, models.TicketEvent{Type: models.EventUnsubscribed, UserID: userID, BusID: busID, At: now})
	return nil
}

// ConfirmPayment captures the hold and marks both copies paid. Monthly
// subscriptions get their billing period stamped here.
func (s *Service) ConfirmPayment(ctx context.Context, userID, subscriptionID string) error {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	var target *models.Subscription
	for i := range u.Subscriptions {
		if u.Subscriptions[i].SubscriptionID == subscriptionID {
			target = &u.Subscriptions[i]
			break
		}
	}
	if target == nil {
		return ErrSubscriptionNotFound
	}
	if target.PaymentStatus != models.PaymentPending {
		return ErrNotPending
	}
	if s.Payments != nil && target.PaymentIntentID != "" {
		if err := s.Payments.Capture(ctx, target.PaymentIntentID); err != nil {
			return err
		}
	}
	now := time.Now()
	target.PaymentStatus = models.PaymentPaid
	if target.Type == models.TypeMonthly {
		end := now.AddDate(0, 1, 0)
		target.StartDate = &now
		target.EndDate = &end
	}
	if err := s.Store.UpdateSubscription(ctx, userID, *target); err != nil {
		return err
	}
	s.syncRosterCopy(ctx, target.BusID, userID, *target)
	observability.PaymentsConfirmed.Inc()
	s.publish(ctx, models.TicketEvent{Type: models.EventPaymentConfirmed, UserID: userID, BusID: target.BusID, SubscriptionID: subscriptionID, At: now})
	if s.Notify != nil {
		_ = s.Notify.NotifyRider(ctx, userID, "Payment confirmed", "Your bus ticket is ready to scan.")
	}
	return nil
}

// MarkUnpaid flags a subscription whose capture failed or whose billing
// period lapsed without renewal. The rider stays on the roster but scans
// are denied until payment clears.
func (s *Service) MarkUnpaid(ctx context.Context, userID, subscriptionID string) error {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sub := range u.Subscriptions {
		if sub.SubscriptionID != subscriptionID {
			continue
		}
		sub.PaymentStatus = models.PaymentUnpaid
		if err := s.Store.UpdateSubscription(ctx, userID, sub); err != nil {
			return err
		}
		s.syncRosterCopy(ctx, sub.BusID, userID, sub)
		s.publish(ctx, models.TicketEvent{Type: models.EventPaymentFailed, UserID: userID, BusID: sub.BusID, SubscriptionID: subscriptionID, At: time.Now()})
		return nil
	}
	return ErrSubscriptionNotFound
}

// CleanupDuplicates enforces the at-most-one-active invariant for
// (user, bus): the newest active subscription survives, older ones are
// marked replaced and their roster entries dropped. Returns how many were
// replaced.
func (s *Service) CleanupDuplicates(ctx context.Context, userID, busID string) (int, error) {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var active []models.Subscription
	for _, sub := range u.Subscriptions {
		if sub.BusID == busID && sub.Status == models.StatusActive {
			active = append(active, sub)
		}
	}
	if len(active) <= 1 {
		return 0, nil
	}
	keep := active[0]
	for _, sub := range active[1:] {
		if sub.AssignedAt.After(keep.AssignedAt) {
			keep = sub
		}
	}
	replaced := 0
	for _, sub := range active {
		if sub.SubscriptionID == keep.SubscriptionID {
			continue
		}
		sub.Status = models.StatusReplaced
		if err := s.Store.UpdateSubscription(ctx, userID, sub); err != nil {
			return replaced, err
		}
		if err := s.Store.RemoveRosterEntry(ctx, busID, sub.SubscriptionID); err != nil && !errors.Is(err, docstore.ErrNotFound) {
			s.logf("roster remove failed", "user_id", userID, "bus_id", busID, "error", err)
		}
		observability.SubscriptionsEnded.WithLabelValues("replaced").Inc()
		replaced++
	}
	// Make sure the survivor still has its seat.
	s.syncRosterCopy(ctx, busID, userID, keep)
	return replaced, nil
}

// Reconcile walks one bus roster against the user documents and repairs
// drift: orphan entries are dropped, stale copies re-synced, lapsed monthly
// subscriptions expired. Returns the number of repairs applied.
func (s *Service) Reconcile(ctx context.Context, busID string) (int, error) {
	b, err := s.Store.GetBus(ctx, busID)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	repaired := 0
	for _, entry := range b.Roster {
		u, err := s.Store.GetUser(ctx, entry.UserID)
		if errors.Is(err, docstore.ErrNotFound) {
			if err := s.Store.RemoveRosterEntry(ctx, busID, entry.SubscriptionID); err == nil {
				repaired++
			}
			continue
		}
		if err != nil {
			return repaired, err
		}
		var sub *models.Subscription
		for i := range u.Subscriptions {
			if u.Subscriptions[i].SubscriptionID == entry.SubscriptionID {
				sub = &u.Subscriptions[i]
				break
			}
		}
		if sub == nil || sub.Status != models.StatusActive {
			if err := s.Store.RemoveRosterEntry(ctx, busID, entry.SubscriptionID); err == nil {
				repaired++
			}
			continue
		}
		if sub.Type == models.TypeMonthly && sub.EndDate != nil && sub.EndDate.Before(now) {
			sub.Status = models.StatusExpired
			sub.PaymentStatus = models.PaymentUnpaid
			if err := s.Store.UpdateSubscription(ctx, entry.UserID, *sub); err != nil {
				return repaired, err
			}
			if err := s.Store.RemoveRosterEntry(ctx, busID, entry.SubscriptionID); err == nil {
				repaired++
			}
			continue
		}
		if entry.Status != sub.Status || entry.PaymentStatus != sub.PaymentStatus {
			entry.Status = sub.Status
			entry.PaymentStatus = sub.PaymentStatus
			if err := s.Store.UpdateRosterEntry(ctx, busID, entry); err == nil {
				repaired++
			}
		}
	}
	if repaired > 0 {
		observability.RosterRepairs.Add(float64(repaired))
	}
	return repaired, nil
}

// syncRosterCopy pushes the user document's view of a subscription into the
// roster, inserting the entry if the first write ever got lost.
func (s *Service) syncRosterCopy(ctx context.Context, busID, userID string, sub models.Subscription) {
	entry := models.RosterEntry{
		UserID:         userID,
		SubscriptionID: sub.SubscriptionID,
		Status:         sub.Status,
		PaymentStatus:  sub.PaymentStatus,
		JoinedAt:       sub.AssignedAt,
	}
	err := s.Store.UpdateRosterEntry(ctx, busID, entry)
	if errors.Is(err, docstore.ErrNotFound) && sub.Status == models.StatusActive {
		err = s.Store.AddRosterEntry(ctx, busID, entry)
	}
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		s.logf("roster sync failed", "user_id", userID, "bus_id", busID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, ev models.TicketEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishEvent(ctx, ev); err != nil {
		s.logf("event publish failed", "type", ev.Type, "error", err)
	}
}

func (s *Service) logf(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}
