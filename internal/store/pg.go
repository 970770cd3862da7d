package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/cloudfire/signal/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PgStore implements Store backed by PostgreSQL.
type PgStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewPgStore(dsn string, logger *zap.SugaredLogger) (*PgStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	s := &PgStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("pg migrate: %w", err)
	}
	return s, nil
}

func (s *PgStore) Close() { s.db.Close() }

func (s *PgStore) migrate(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    slug       TEXT NOT NULL UNIQUE,
    config     JSONB NOT NULL DEFAULT '{}',
    features   JSONB NOT NULL DEFAULT '{}',
    deleted_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS actors (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL REFERENCES accounts(id),
    type        TEXT NOT NULL,
    name        TEXT NOT NULL,
    role        TEXT NOT NULL,
    disabled_at TIMESTAMPTZ,
    deleted_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_actors_account ON actors(account_id);

CREATE TABLE IF NOT EXISTS identities (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL REFERENCES accounts(id),
    actor_id            TEXT NOT NULL REFERENCES actors(id),
    provider            TEXT NOT NULL,
    provider_identifier TEXT NOT NULL,
    provider_state      JSONB NOT NULL DEFAULT '{}',
    last_seen_at        TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (provider, provider_identifier)
);

CREATE TABLE IF NOT EXISTS groups (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    name       TEXT NOT NULL,
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS memberships (
    account_id TEXT NOT NULL,
    actor_id   TEXT NOT NULL REFERENCES actors(id),
    group_id   TEXT NOT NULL REFERENCES groups(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (actor_id, group_id)
);

CREATE TABLE IF NOT EXISTS gateway_groups (
    id         TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    name       TEXT NOT NULL,
    deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS resources (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL REFERENCES accounts(id),
    type                TEXT NOT NULL,
    name                TEXT NOT NULL,
    address             TEXT NOT NULL,
    address_description TEXT NOT NULL DEFAULT '',
    filters             JSONB NOT NULL DEFAULT '[]',
    gateway_group_ids   JSONB NOT NULL DEFAULT '[]',
    deleted_at          TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_resources_account ON resources(account_id);

CREATE TABLE IF NOT EXISTS policies (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES accounts(id),
    actor_group_id TEXT NOT NULL REFERENCES groups(id),
    resource_id    TEXT NOT NULL REFERENCES resources(id),
    conditions     JSONB NOT NULL DEFAULT '[]',
    description    TEXT NOT NULL DEFAULT '',
    disabled_at    TIMESTAMPTZ,
    deleted_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
-- Partial unique index enforces: at most one non-deleted policy per
-- (actor_group, resource) within an account (§3, §8).
CREATE UNIQUE INDEX IF NOT EXISTS uniq_policy_group_resource
    ON policies(account_id, actor_group_id, resource_id)
    WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_policies_group ON policies(actor_group_id);

CREATE TABLE IF NOT EXISTS addresses (
    account_id TEXT NOT NULL,
    family     TEXT NOT NULL,
    inet       TEXT NOT NULL,
    client_id  TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, family, inet)
);

CREATE TABLE IF NOT EXISTS flows (
    id                TEXT PRIMARY KEY,
    account_id        TEXT NOT NULL,
    client_id         TEXT NOT NULL,
    gateway_id        TEXT NOT NULL,
    policy_id         TEXT NOT NULL,
    resource_id       TEXT NOT NULL,
    authorized_at     TIMESTAMPTZ NOT NULL,
    expires_at        TIMESTAMPTZ NOT NULL,
    client_remote_ip  TEXT NOT NULL,
    gateway_remote_ip TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS relays (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL DEFAULT '',
    ipv4          TEXT NOT NULL DEFAULT '',
    ipv6          TEXT NOT NULL DEFAULT '',
    lat           DOUBLE PRECISION NOT NULL DEFAULT 0,
    lon           DOUBLE PRECISION NOT NULL DEFAULT 0,
    stamp_secret  BYTEA NOT NULL,
    last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_relays_account ON relays(account_id);

CREATE TABLE IF NOT EXISTS tokens (
    id               TEXT PRIMARY KEY,
    account_id       TEXT NOT NULL,
    type             TEXT NOT NULL,
    actor_id         TEXT NOT NULL DEFAULT '',
    gateway_group_id TEXT NOT NULL DEFAULT '',
    hash             BYTEA,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tokens_account_hash ON tokens(account_id, type, hash);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// --- Accounts ---

func (s *PgStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.scanAccount(ctx, "SELECT id, slug, config, features, deleted_at, created_at, updated_at FROM accounts WHERE id = $1", id)
}

func (s *PgStore) GetAccountBySlug(ctx context.Context, slug string) (*model.Account, error) {
	return s.scanAccount(ctx, "SELECT id, slug, config, features, deleted_at, created_at, updated_at FROM accounts WHERE slug = $1", slug)
}

func (s *PgStore) scanAccount(ctx context.Context, query, arg string) (*model.Account, error) {
	var a model.Account
	var cfgRaw, featRaw []byte
	row := s.db.QueryRowContext(ctx, query, arg)
	if err := row.Scan(&a.ID, &a.Slug, &cfgRaw, &featRaw, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(cfgRaw, &a.Config)
	_ = json.Unmarshal(featRaw, &a.Features)
	return &a, nil
}

// --- Actors ---

func (s *PgStore) GetActor(ctx context.Context, accountID, actorID string) (*model.Actor, error) {
	var a model.Actor
	row := s.db.QueryRowContext(ctx, `SELECT id, account_id, type, name, role, disabled_at, deleted_at, created_at, updated_at
		FROM actors WHERE account_id = $1 AND id = $2`, accountID, actorID)
	if err := row.Scan(&a.ID, &a.AccountID, &a.Type, &a.Name, &a.Role, &a.DisabledAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *PgStore) ListActors(ctx context.Context, accountID string) ([]*model.Actor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, type, name, role, disabled_at, deleted_at, created_at, updated_at
		FROM actors WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Actor
	for rows.Next() {
		var a model.Actor
		if err := rows.Scan(&a.ID, &a.AccountID, &a.Type, &a.Name, &a.Role, &a.DisabledAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PgStore) CreateActor(ctx context.Context, a *model.Actor) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO actors (id, account_id, type, name, role)
		VALUES ($1, $2, $3, $4, $5)`, a.ID, a.AccountID, a.Type, a.Name, a.Role)
	return err
}

func (s *PgStore) CountActiveAdmins(ctx context.Context, accountID string) (int, error) {
	return s.countActiveAdmins(ctx, s.db, accountID)
}

func (s *PgStore) countActiveAdmins(ctx context.Context, q querier, accountID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM actors
		WHERE account_id = $1 AND role = 'admin' AND disabled_at IS NULL AND deleted_at IS NULL`, accountID).Scan(&n)
	return n, err
}

// DisableActor disables an actor, refusing to do so if it would leave
// zero active admins. The count is read inside the same transaction
// that performs the update, with FOR UPDATE row locking on the
// account's admin rows, so two concurrent disables of the last two
// admins cannot both succeed (§5, §8 scenario 6).
func (s *PgStore) DisableActor(ctx context.Context, accountID, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	var disabledAt *time.Time
	err = tx.QueryRowContext(ctx, `SELECT role, disabled_at FROM actors
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`, accountID, actorID).Scan(&role, &disabledAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if disabledAt != nil {
		return tx.Commit() // idempotent no-op success
	}

	if role == "admin" {
		// Lock the account's admin rows before counting to serialize
		// concurrent disable/delete attempts against the same account.
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM actors WHERE account_id = $1 AND role = 'admin'
			AND disabled_at IS NULL AND deleted_at IS NULL FOR UPDATE`, accountID); err != nil {
			return err
		}
		n, err := s.countActiveAdmins(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrCantDisableLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE actors SET disabled_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND id = $2`, accountID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PgStore) EnableActor(ctx context.Context, accountID, actorID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE actors SET disabled_at = NULL, updated_at = NOW()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`, accountID, actorID)
	return err
}

// DeleteActor soft-deletes an actor under the same last-admin guard as
// DisableActor. A second delete of the same actor returns ErrNotFound.
func (s *PgStore) DeleteActor(ctx context.Context, accountID, actorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx, `SELECT role FROM actors
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL FOR UPDATE`, accountID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if role == "admin" {
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM actors WHERE account_id = $1 AND role = 'admin'
			AND disabled_at IS NULL AND deleted_at IS NULL FOR UPDATE`, accountID); err != nil {
			return err
		}
		n, err := s.countActiveAdmins(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrCantDeleteLastAdmin
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE actors SET deleted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND id = $2`, accountID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Identities ---

func (s *PgStore) GetIdentityByProvider(ctx context.Context, provider, providerIdentifier string) (*model.Identity, error) {
	var id model.Identity
	var stateRaw []byte
	row := s.db.QueryRowContext(ctx, `SELECT id, account_id, actor_id, provider, provider_identifier, provider_state, last_seen_at, created_at
		FROM identities WHERE provider = $1 AND provider_identifier = $2`, provider, providerIdentifier)
	if err := row.Scan(&id.ID, &id.AccountID, &id.ActorID, &id.Provider, &id.ProviderIdentifier, &stateRaw, &id.LastSeenAt, &id.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(stateRaw, &id.ProviderState)
	return &id, nil
}

func (s *PgStore) TouchIdentity(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE identities SET last_seen_at = $2 WHERE id = $1`, identityID, at)
	return err
}

// --- Groups / Memberships ---

func (s *PgStore) GetGroup(ctx context.Context, accountID, groupID string) (*model.Group, error) {
	var g model.Group
	row := s.db.QueryRowContext(ctx, `SELECT id, account_id, name, deleted_at FROM groups WHERE account_id = $1 AND id = $2`, accountID, groupID)
	if err := row.Scan(&g.ID, &g.AccountID, &g.Name, &g.DeletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

func (s *PgStore) ListGroups(ctx context.Context, accountID string) ([]*model.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, name, deleted_at FROM groups
		WHERE account_id = $1 AND deleted_at IS NULL ORDER BY name`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Group
	for rows.Next() {
		var g model.Group
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (s *PgStore) CreateGroup(ctx context.Context, g *model.Group) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO groups (id, account_id, name) VALUES ($1, $2, $3)`, g.ID, g.AccountID, g.Name)
	return err
}

func (s *PgStore) DeleteGroup(ctx context.Context, accountID, groupID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE groups SET deleted_at = NOW() WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`, accountID, groupID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) MembersOfGroup(ctx context.Context, accountID, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id FROM memberships WHERE account_id = $1 AND group_id = $2`, accountID, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgStore) GroupsForActor(ctx context.Context, accountID, actorID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM memberships WHERE account_id = $1 AND actor_id = $2`, accountID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgStore) AddMembership(ctx context.Context, m *model.Membership) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO memberships (account_id, actor_id, group_id)
		VALUES ($1, $2, $3) ON CONFLICT (actor_id, group_id) DO NOTHING`, m.AccountID, m.ActorID, m.GroupID)
	return err
}

func (s *PgStore) RemoveMembership(ctx context.Context, accountID, actorID, groupID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE account_id = $1 AND actor_id = $2 AND group_id = $3`, accountID, actorID, groupID)
	return err
}

// --- Resources ---

func (s *PgStore) GetResource(ctx context.Context, accountID, resourceID string) (*model.Resource, error) {
	return s.scanResource(ctx, `SELECT id, account_id, type, name, address, address_description, filters, gateway_group_ids, deleted_at, created_at, updated_at
		FROM resources WHERE account_id = $1 AND id = $2`, accountID, resourceID)
}

func (s *PgStore) scanResource(ctx context.Context, query string, args ...any) (*model.Resource, error) {
	var r model.Resource
	var filtersRaw, groupsRaw []byte
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&r.ID, &r.AccountID, &r.Type, &r.Name, &r.Address, &r.AddressDescription, &filtersRaw, &groupsRaw, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(filtersRaw, &r.Filters)
	_ = json.Unmarshal(groupsRaw, &r.GatewayGroupIDs)
	return &r, nil
}

func (s *PgStore) ListResources(ctx context.Context, accountID string) ([]*model.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, type, name, address, address_description, filters, gateway_group_ids, deleted_at, created_at, updated_at
		FROM resources WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Resource
	for rows.Next() {
		var r model.Resource
		var filtersRaw, groupsRaw []byte
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Type, &r.Name, &r.Address, &r.AddressDescription, &filtersRaw, &groupsRaw, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(filtersRaw, &r.Filters)
		_ = json.Unmarshal(groupsRaw, &r.GatewayGroupIDs)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PgStore) ResourcesForGroups(ctx context.Context, accountID string, groupIDs []string) ([]*model.Resource, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT r.id, r.account_id, r.type, r.name, r.address, r.address_description, r.filters, r.gateway_group_ids, r.deleted_at, r.created_at, r.updated_at
		FROM resources r
		JOIN policies p ON p.resource_id = r.id AND p.account_id = r.account_id
		WHERE r.account_id = $1 AND r.deleted_at IS NULL AND p.deleted_at IS NULL AND p.disabled_at IS NULL
		AND p.actor_group_id = ANY($2)`, accountID, pq.Array(groupIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Resource
	for rows.Next() {
		var r model.Resource
		var filtersRaw, groupsRaw []byte
		if err := rows.Scan(&r.ID, &r.AccountID, &r.Type, &r.Name, &r.Address, &r.AddressDescription, &filtersRaw, &groupsRaw, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(filtersRaw, &r.Filters)
		_ = json.Unmarshal(groupsRaw, &r.GatewayGroupIDs)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PgStore) PutResource(ctx context.Context, r *model.Resource) error {
	filtersRaw, _ := json.Marshal(r.Filters)
	groupsRaw, _ := json.Marshal(r.GatewayGroupIDs)
	_, err := s.db.ExecContext(ctx, `INSERT INTO resources (id, account_id, type, name, address, address_description, filters, gateway_group_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET type = $3, name = $4, address = $5, address_description = $6, filters = $7, gateway_group_ids = $8, updated_at = NOW()`,
		r.ID, r.AccountID, r.Type, r.Name, r.Address, r.AddressDescription, filtersRaw, groupsRaw)
	return err
}

func (s *PgStore) DeleteResource(ctx context.Context, accountID, resourceID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE resources SET deleted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`, accountID, resourceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Policies ---

func (s *PgStore) GetPolicy(ctx context.Context, accountID, policyID string) (*model.Policy, error) {
	return s.scanPolicy(ctx, `SELECT id, account_id, actor_group_id, resource_id, conditions, description, disabled_at, deleted_at, created_at, updated_at
		FROM policies WHERE account_id = $1 AND id = $2`, accountID, policyID)
}

func (s *PgStore) scanPolicy(ctx context.Context, query string, args ...any) (*model.Policy, error) {
	var p model.Policy
	var condRaw []byte
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&p.ID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &condRaw, &p.Description, &p.DisabledAt, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(condRaw, &p.Conditions)
	return &p, nil
}

func (s *PgStore) ListPolicies(ctx context.Context, accountID string) ([]*model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, actor_group_id, resource_id, conditions, description, disabled_at, deleted_at, created_at, updated_at
		FROM policies WHERE account_id = $1 AND deleted_at IS NULL ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Policy
	for rows.Next() {
		var p model.Policy
		var condRaw []byte
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &condRaw, &p.Description, &p.DisabledAt, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(condRaw, &p.Conditions)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PgStore) PoliciesForGroups(ctx context.Context, accountID string, groupIDs []string) ([]*model.Policy, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, actor_group_id, resource_id, conditions, description, disabled_at, deleted_at, created_at, updated_at
		FROM policies WHERE account_id = $1 AND deleted_at IS NULL AND actor_group_id = ANY($2)`, accountID, pq.Array(groupIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Policy
	for rows.Next() {
		var p model.Policy
		var condRaw []byte
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &condRaw, &p.Description, &p.DisabledAt, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(condRaw, &p.Conditions)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PgStore) PolicyForGroupResource(ctx context.Context, accountID, groupID, resourceID string) (*model.Policy, error) {
	return s.scanPolicy(ctx, `SELECT id, account_id, actor_group_id, resource_id, conditions, description, disabled_at, deleted_at, created_at, updated_at
		FROM policies WHERE account_id = $1 AND actor_group_id = $2 AND resource_id = $3 AND deleted_at IS NULL`, accountID, groupID, resourceID)
}

// PutPolicy inserts or updates a policy. The partial unique index on
// (account_id, actor_group_id, resource_id) WHERE deleted_at IS NULL
// enforces the uniqueness invariant; a violation surfaces as ErrConflict.
func (s *PgStore) PutPolicy(ctx context.Context, p *model.Policy) error {
	condRaw, _ := json.Marshal(p.Conditions)
	_, err := s.db.ExecContext(ctx, `INSERT INTO policies (id, account_id, actor_group_id, resource_id, conditions, description)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET conditions = $5, description = $6, updated_at = NOW()`,
		p.ID, p.AccountID, p.ActorGroupID, p.ResourceID, condRaw, p.Description)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PgStore) DisablePolicy(ctx context.Context, accountID, policyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE policies SET disabled_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`, accountID, policyID)
	return err
}

func (s *PgStore) EnablePolicy(ctx context.Context, accountID, policyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE policies SET disabled_at = NULL, updated_at = NOW()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`, accountID, policyID)
	return err
}

func (s *PgStore) DeletePolicy(ctx context.Context, accountID, policyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE policies SET deleted_at = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`, accountID, policyID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) GatewayGroupsForResource(ctx context.Context, accountID, resourceID string) ([]string, error) {
	r, err := s.GetResource(ctx, accountID, resourceID)
	if err != nil {
		return nil, err
	}
	return r.GatewayGroupIDs, nil
}

func (s *PgStore) GatewayGroupsByIDs(ctx context.Context, accountID string, ids []string) ([]*model.GatewayGroup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, name, deleted_at FROM gateway_groups
		WHERE account_id = $1 AND id = ANY($2)`, accountID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.GatewayGroup
	for rows.Next() {
		var g model.GatewayGroup
		if err := rows.Scan(&g.ID, &g.AccountID, &g.Name, &g.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

// --- Address allocation ---

// AllocateAddress implements the forward/backward CIDR scan described in
// §3 and §6: the first host is reserved as the conventional gateway, the
// last host as broadcast; scan forward from offset for the first
// unassigned non-reserved address, then backward from offset-1 toward
// the network address. Each candidate is claimed with INSERT ... ON
// CONFLICT DO NOTHING inside the allocating transaction; the primary key
// on (account_id, family, inet) lets only one of two concurrent
// allocators claim an address, and the other moves on to the next
// candidate (§5, §8).
func (s *PgStore) AllocateAddress(ctx context.Context, accountID string, family model.AddressFamily, cidr string, offset int, reserved []string, clientID string) (string, error) {
	if _, network, err := net.ParseCIDR(cidr); err == nil {
		reserved = append([]string{addOffset(network.IP, 1).String()}, reserved...)
	}
	candidates, err := enumerateCandidates(cidr, offset, reserved)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	for _, candidate := range candidates {
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT TRUE FROM addresses WHERE account_id = $1 AND family = $2 AND inet = $3 FOR UPDATE`,
			accountID, family, candidate).Scan(&exists)
		if err != nil && err != sql.ErrNoRows {
			return "", err
		}
		if exists {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO addresses (account_id, family, inet, client_id) VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, family, inet) DO NOTHING`, accountID, family, candidate, clientID)
		if err != nil {
			return "", err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // lost a race between the SELECT and INSERT; try the next candidate
		}
		if err := tx.Commit(); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", ErrAddressPoolExhausted
}

func (s *PgStore) ReleaseAddress(ctx context.Context, accountID string, family model.AddressFamily, inet string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM addresses WHERE account_id = $1 AND family = $2 AND inet = $3`, accountID, family, inet)
	return err
}

// --- Relays ---

// UpsertRelay inserts or refreshes a relay's coordinates and
// stamp_secret. AccountID == "" denotes the global pool (§3).
func (s *PgStore) UpsertRelay(ctx context.Context, r *model.Relay) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO relays (id, account_id, ipv4, ipv6, lat, lon, stamp_secret, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id, ipv4 = EXCLUDED.ipv4, ipv6 = EXCLUDED.ipv6,
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, stamp_secret = EXCLUDED.stamp_secret, last_seen_at = NOW()`,
		r.ID, r.AccountID, r.IPv4, r.IPv6, r.Geo.Lat, r.Geo.Lon, []byte(r.StampSecret))
	return err
}

func (s *PgStore) TouchRelay(ctx context.Context, relayID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE relays SET last_seen_at = $2 WHERE id = $1`, relayID, at)
	return err
}

// RelayCandidates returns the union of accountID's scoped relays and
// the global pool (§4.G: "account-scoped ∪ global").
func (s *PgStore) RelayCandidates(ctx context.Context, accountID string) ([]*model.Relay, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, ipv4, ipv6, lat, lon, stamp_secret, last_seen_at
		FROM relays WHERE account_id = $1 OR account_id = ''`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Relay
	for rows.Next() {
		var r model.Relay
		var secret []byte
		if err := rows.Scan(&r.ID, &r.AccountID, &r.IPv4, &r.IPv6, &r.Geo.Lat, &r.Geo.Lon, &secret, &r.LastSeenAt); err != nil {
			return nil, err
		}
		r.StampSecret = string(secret)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PgStore) DeleteRelay(ctx context.Context, relayID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM relays WHERE id = $1`, relayID)
	return err
}

// DeleteStaleRelays removes relays that haven't refreshed their lease
// since olderThan, run periodically by the elected presence sweeper.
func (s *PgStore) DeleteStaleRelays(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM relays WHERE last_seen_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Flows ---

func (s *PgStore) InsertFlow(ctx context.Context, f *model.Flow) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO flows (id, account_id, client_id, gateway_id, policy_id, resource_id, authorized_at, expires_at, client_remote_ip, gateway_remote_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.AccountID, f.ClientID, f.GatewayID, f.PolicyID, f.ResourceID, f.AuthorizedAt, f.ExpiresAt, f.ClientRemoteIP, f.GatewayRemoteIP)
	return err
}

// ListFlows returns the most recent flows for an account, newest first,
// for the admin flow-audit view (§4.H).
func (s *PgStore) ListFlows(ctx context.Context, accountID string, limit int) ([]*model.Flow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, client_id, gateway_id, policy_id, resource_id, authorized_at, expires_at, client_remote_ip, gateway_remote_ip
		FROM flows WHERE account_id = $1 ORDER BY authorized_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Flow
	for rows.Next() {
		var f model.Flow
		if err := rows.Scan(&f.ID, &f.AccountID, &f.ClientID, &f.GatewayID, &f.PolicyID, &f.ResourceID, &f.AuthorizedAt, &f.ExpiresAt, &f.ClientRemoteIP, &f.GatewayRemoteIP); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- Tokens ---

func (s *PgStore) CreateToken(ctx context.Context, t *model.Token, secret []byte) error {
	hash := sha256.Sum256(secret)
	t.Hash = hash[:]
	_, err := s.db.ExecContext(ctx, `INSERT INTO tokens (id, account_id, type, actor_id, gateway_group_id, hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, t.ID, t.AccountID, t.Type, t.ActorID, t.GatewayGroupID, t.Hash, t.ExpiresAt)
	return err
}

func (s *PgStore) ListTokens(ctx context.Context, accountID string) ([]*model.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, type, actor_id, gateway_group_id, hash, created_at, expires_at
		FROM tokens WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Token
	for rows.Next() {
		var t model.Token
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Type, &t.ActorID, &t.GatewayGroupID, &t.Hash, &t.CreatedAt, &t.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PgStore) VerifyToken(ctx context.Context, accountID string, tokenType model.TokenType, secret []byte) (*model.Token, error) {
	hash := sha256.Sum256(secret)
	var t model.Token
	row := s.db.QueryRowContext(ctx, `SELECT id, account_id, type, actor_id, gateway_group_id, hash, created_at, expires_at
		FROM tokens WHERE account_id = $1 AND type = $2 AND hash = $3`, accountID, tokenType, hash[:])
	if err := row.Scan(&t.ID, &t.AccountID, &t.Type, &t.ActorID, &t.GatewayGroupID, &t.Hash, &t.CreatedAt, &t.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &t, nil
}

// RevokeToken nulls the stored hash, per §3/§6: "revocation nulls the
// hash" — a NULL hash never equals a presented secret's hash, so
// VerifyToken no longer finds the token.
func (s *PgStore) RevokeToken(ctx context.Context, accountID, tokenID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET hash = NULL WHERE account_id = $1 AND id = $2`, accountID, tokenID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// querier abstracts *sql.DB / *sql.Tx for helpers shared by both.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// Both lib/pq and pgx/stdlib error strings carry the constraint
	// violation text; matching on it avoids importing driver-specific
	// error types and works across either registered driver.
	msg := err.Error()
	return containsAny(msg, "duplicate key", "unique constraint", "violates unique")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
