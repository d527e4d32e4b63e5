package docstore

import (
	"context"
	"errors"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

// ErrNotFound is returned when a user or bus document does not exist.
var ErrNotFound = errors.New("document not found")

// Store defines the document operations the services need: whole-document
// reads and structured array mutations keyed by subscription id. Mutations
// touch a single document at a time; cross-document consistency is the
// caller's problem (see the reconcile pass in internal/subscription).
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetBus(ctx context.Context, id string) (*models.Bus, error)
	PutUser(ctx context.Context, u *models.User) error
	PutBus(ctx context.Context, b *models.Bus) error

	AppendSubscription(ctx context.Context, userID string, sub models.Subscription) error
	UpdateSubscription(ctx context.Context, userID string, sub models.Subscription) error
	RemoveSubscription(ctx context.Context, userID, subscriptionID string) error

	AddRosterEntry(ctx context.Context, busID string, e models.RosterEntry) error
	UpdateRosterEntry(ctx context.Context, busID string, e models.RosterEntry) error
	RemoveRosterEntry(ctx context.Context, busID, subscriptionID string) error
}
