package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

func TestMemoryStoreKeyedMutations(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.GetUser(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := m.PutUser(ctx, &models.User{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendSubscription(ctx, "u1", models.Subscription{SubscriptionID: "s1", BusID: "b1", Status: models.StatusActive}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateSubscription(ctx, "u1", models.Subscription{SubscriptionID: "s1", BusID: "b1", Status: models.StatusUnsubscribed}); err != nil {
		t.Fatal(err)
	}
	if err := m.UpdateSubscription(ctx, "u1", models.Subscription{SubscriptionID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of unknown id must fail, got %v", err)
	}
	u, err := m.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(u.Subscriptions) != 1 || u.Subscriptions[0].Status != models.StatusUnsubscribed {
		t.Fatalf("keyed update lost: %+v", u.Subscriptions)
	}
	if err := m.RemoveSubscription(ctx, "u1", "s1"); err != nil {
		t.Fatal(err)
	}
	u, _ = m.GetUser(ctx, "u1")
	if len(u.Subscriptions) != 0 {
		t.Fatalf("expected empty subscriptions, got %+v", u.Subscriptions)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.PutBus(ctx, &models.Bus{ID: "b1", Roster: []models.RosterEntry{{UserID: "u1", SubscriptionID: "s1"}}}); err != nil {
		t.Fatal(err)
	}
	b, _ := m.GetBus(ctx, "b1")
	b.Roster[0].UserID = "mutated"
	again, _ := m.GetBus(ctx, "b1")
	if again.Roster[0].UserID != "u1" {
		t.Fatal("GetBus must not leak internal state")
	}
}
