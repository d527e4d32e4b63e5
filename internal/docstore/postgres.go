package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/brahimakil/buscollege-mobile-sub001/internal/models"
)

// PostgresStore keeps each user/bus as a JSONB document row. Array
// mutations run as single-statement jsonb rewrites, so every mutation is
// atomic per document.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM users WHERE id=$1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", id, err)
	}
	u.ID = id
	return &u, nil
}

func (p *PostgresStore) GetBus(ctx context.Context, id string) (*models.Bus, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM buses WHERE id=$1`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var b models.Bus
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bus %s: %w", id, err)
	}
	b.ID = id
	return &b, nil
}

func (p *PostgresStore) PutUser(ctx context.Context, u *models.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO users(id, doc) VALUES($1,$2) ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc`, u.ID, raw)
	return err
}

func (p *PostgresStore) PutBus(ctx context.Context, b *models.Bus) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO buses(id, doc) VALUES($1,$2) ON CONFLICT (id) DO UPDATE SET doc=EXCLUDED.doc`, b.ID, raw)
	return err
}

func (p *PostgresStore) AppendSubscription(ctx context.Context, userID string, sub models.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET doc = jsonb_set(doc, '{subscriptions}', COALESCE(NULLIF(doc->'subscriptions', 'null'::jsonb), '[]'::jsonb) || $2::jsonb) WHERE id=$1`,
		userID, raw)
	return checkAffected(res, err)
}

func (p *PostgresStore) UpdateSubscription(ctx context.Context, userID string, sub models.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	// the containment guard makes a missing element show up as
	// RowsAffected=0 instead of a silent no-op rewrite
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET doc = jsonb_set(doc, '{subscriptions}', (
			SELECT COALESCE(jsonb_agg(CASE WHEN elem->>'subscription_id' = $2 THEN $3::jsonb ELSE elem END), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(NULLIF(doc->'subscriptions', 'null'::jsonb), '[]'::jsonb)) elem
		)) WHERE id=$1
		AND doc->'subscriptions' @> jsonb_build_array(jsonb_build_object('subscription_id', $2::text))`,
		userID, sub.SubscriptionID, raw)
	return checkAffected(res, err)
}

func (p *PostgresStore) RemoveSubscription(ctx context.Context, userID, subscriptionID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET doc = jsonb_set(doc, '{subscriptions}', (
			SELECT COALESCE(jsonb_agg(elem) FILTER (WHERE elem->>'subscription_id' <> $2), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(NULLIF(doc->'subscriptions', 'null'::jsonb), '[]'::jsonb)) elem
		)) WHERE id=$1`,
		userID, subscriptionID)
	return checkAffected(res, err)
}

func (p *PostgresStore) AddRosterEntry(ctx context.Context, busID string, e models.RosterEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE buses SET doc = jsonb_set(doc, '{roster}', COALESCE(NULLIF(doc->'roster', 'null'::jsonb), '[]'::jsonb) || $2::jsonb) WHERE id=$1`,
		busID, raw)
	return checkAffected(res, err)
}

func (p *PostgresStore) UpdateRosterEntry(ctx context.Context, busID string, e models.RosterEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE buses SET doc = jsonb_set(doc, '{roster}', (
			SELECT COALESCE(jsonb_agg(CASE WHEN elem->>'subscription_id' = $2 THEN $3::jsonb ELSE elem END), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(NULLIF(doc->'roster', 'null'::jsonb), '[]'::jsonb)) elem
		)) WHERE id=$1
		AND doc->'roster' @> jsonb_build_array(jsonb_build_object('subscription_id', $2::text))`,
		busID, e.SubscriptionID, raw)
	return checkAffected(res, err)
}

func (p *PostgresStore) RemoveRosterEntry(ctx context.Context, busID, subscriptionID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE buses SET doc = jsonb_set(doc, '{roster}', (
			SELECT COALESCE(jsonb_agg(elem) FILTER (WHERE elem->>'subscription_id' <> $2), '[]'::jsonb)
			FROM jsonb_array_elements(COALESCE(NULLIF(doc->'roster', 'null'::jsonb), '[]'::jsonb)) elem
		)) WHERE id=$1`,
		busID, subscriptionID)
	return checkAffected(res, err)
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
