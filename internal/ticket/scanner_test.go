package ticket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/docstore"
	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

type fakeNotifier struct {
	busID string
	last  any
}

func (f *fakeNotifier) Notify(busID string, v any) error {
	f.busID = busID
	f.last = v
	return nil
}

func seedScanner(t *testing.T, entry *models.RosterEntry) *Scanner {
	t.Helper()
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	if err := store.PutUser(ctx, &models.User{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	bus := &models.Bus{ID: "b1", Capacity: 10}
	if entry != nil {
		bus.Roster = []models.RosterEntry{*entry}
	}
	if err := store.PutBus(ctx, bus); err != nil {
		t.Fatal(err)
	}
	return &Scanner{Store: store}
}

func activeEntry(payment models.PaymentStatus) *models.RosterEntry {
	return &models.RosterEntry{UserID: "u1", SubscriptionID: "s1", Status: models.StatusActive, PaymentStatus: payment, JoinedAt: time.Now()}
}

func TestScanAuthorizedOnlyWhenActiveAndPaid(t *testing.T) {
	s := seedScanner(t, activeEntry(models.PaymentPaid))
	raw := Encode("u1", "b1", "s1", time.Now())

	res := s.Validate(context.Background(), raw, "b1")
	if !res.Authorized {
		t.Fatalf("expected authorized, got reason %s", res.Reason)
	}
	if res.UserID != "u1" || res.SubscriptionID != "s1" {
		t.Fatalf("result fields missing: %+v", res)
	}
}

func TestScanDenialReasons(t *testing.T) {
	raw := Encode("u1", "b1", "s1", time.Now())

	cases := []struct {
		name   string
		entry  *models.RosterEntry
		raw    string
		busID  string
		reason Reason
	}{
		{"invalid format", activeEntry(models.PaymentPaid), "{broken", "b1", ReasonInvalidFormat},
		{"bus mismatch", activeEntry(models.PaymentPaid), raw, "b2", ReasonBusMismatch},
		{"no roster entry", nil, raw, "b1", ReasonSubscriptionNotFound},
		{"payment pending", activeEntry(models.PaymentPending), raw, "b1", ReasonPaymentPending},
		{"payment unpaid", activeEntry(models.PaymentUnpaid), raw, "b1", ReasonPaymentUnpaid},
		{
			"inactive",
			&models.RosterEntry{UserID: "u1", SubscriptionID: "s1", Status: models.StatusUnsubscribed, PaymentStatus: models.PaymentPaid},
			raw, "b1", ReasonInactive,
		},
	}
	for _, tc := range cases {
		s := seedScanner(t, tc.entry)
		res := s.Validate(context.Background(), tc.raw, tc.busID)
		if res.Authorized {
			t.Fatalf("%s: expected denial", tc.name)
		}
		if res.Reason != tc.reason {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.reason, res.Reason)
		}
	}
}

type faultyStore struct {
	docstore.Store
	userErr error
	busErr  error
}

func (f *faultyStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return f.Store.GetUser(ctx, id)
}

func (f *faultyStore) GetBus(ctx context.Context, id string) (*models.Bus, error) {
	if f.busErr != nil {
		return nil, f.busErr
	}
	return f.Store.GetBus(ctx, id)
}

func TestScanStoreOutageIsNotAVerdict(t *testing.T) {
	raw := Encode("u1", "b1", "s1", time.Now())
	ctx := context.Background()
	outage := errors.New("connection refused")

	s := seedScanner(t, activeEntry(models.PaymentPaid))
	s.Store = &faultyStore{Store: s.Store, userErr: outage}
	res := s.Validate(ctx, raw, "b1")
	if res.Authorized || res.Reason != ReasonLookupFailed {
		t.Fatalf("user lookup outage: expected lookup_failed, got %+v", res)
	}

	s = seedScanner(t, activeEntry(models.PaymentPaid))
	s.Store = &faultyStore{Store: s.Store, busErr: outage}
	res = s.Validate(ctx, raw, "b1")
	if res.Authorized || res.Reason != ReasonLookupFailed {
		t.Fatalf("bus lookup outage: expected lookup_failed, got %+v", res)
	}
}

func TestScanUnknownBusStaysBusMismatch(t *testing.T) {
	s := seedScanner(t, activeEntry(models.PaymentPaid))
	raw := Encode("u1", "ghost-bus", "s1", time.Now())
	res := s.Validate(context.Background(), raw, "ghost-bus")
	if res.Authorized || res.Reason != ReasonBusMismatch {
		t.Fatalf("expected bus_mismatch for unknown bus, got %+v", res)
	}
}

func TestScanUnknownUser(t *testing.T) {
	s := seedScanner(t, activeEntry(models.PaymentPaid))
	raw := Encode("ghost", "b1", "s1", time.Now())
	res := s.Validate(context.Background(), raw, "b1")
	if res.Authorized || res.Reason != ReasonUserNotFound {
		t.Fatalf("expected user_not_found, got %+v", res)
	}
}

func TestScanLegacyPayloadMatchesByUser(t *testing.T) {
	s := seedScanner(t, activeEntry(models.PaymentPaid))
	raw := `{"userId":"u1","busId":"b1","timestamp":1700000000000,"type":"bus_subscription"}`
	res := s.Validate(context.Background(), raw, "b1")
	if !res.Authorized {
		t.Fatalf("expected authorized, got reason %s", res.Reason)
	}
	if res.SubscriptionID != "s1" {
		t.Fatalf("expected roster entry id backfilled, got %q", res.SubscriptionID)
	}
}

func TestScanReplayDenied(t *testing.T) {
	s := seedScanner(t, activeEntry(models.PaymentPaid))
	s.Replay = NewReplayCache(time.Minute)
	raw := Encode("u1", "b1", "s1", time.Now())
	ctx := context.Background()

	if res := s.Validate(ctx, raw, "b1"); !res.Authorized {
		t.Fatalf("first scan should pass, got %s", res.Reason)
	}
	res := s.Validate(ctx, raw, "b1")
	if res.Authorized || res.Reason != ReasonDuplicateScan {
		t.Fatalf("expected duplicate_scan, got %+v", res)
	}
}

func TestScanNotifiesDriverSession(t *testing.T) {
	s := seedScanner(t, activeEntry(models.PaymentPaid))
	n := &fakeNotifier{}
	s.Notify = n
	raw := Encode("u1", "b1", "s1", time.Now())

	s.Validate(context.Background(), raw, "b1")
	if n.busID != "b1" {
		t.Fatalf("driver session not notified: %+v", n)
	}
	if res, ok := n.last.(Result); !ok || !res.Authorized {
		t.Fatalf("notifier should receive the result, got %+v", n.last)
	}
}

func TestReplayCacheExpires(t *testing.T) {
	c := NewReplayCache(20 * time.Millisecond)
	if !c.FirstSeen("s1", "b1") {
		t.Fatal("first scan must be first seen")
	}
	if c.FirstSeen("s1", "b1") {
		t.Fatal("repeat inside window must be caught")
	}
	time.Sleep(30 * time.Millisecond)
	if !c.FirstSeen("s1", "b1") {
		t.Fatal("expired entry must be first seen again")
	}
}
