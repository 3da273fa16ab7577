package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"

	"github.com/google/uuid"

	"shipyard/internal/domain"
	"shipyard/internal/engine/auth"
	"shipyard/internal/events"
	"shipyard/internal/repo"
)

const apiKeyPrefix = "sy_"

// IssuedKey is a freshly minted key. Secret is only ever returned here.
type IssuedKey struct {
	domain.APIKey
	Secret string `json:"key"`
}

// keyOwnerAllowed lets actors manage their own keys; everyone else's need
// certs_admin.
func (e Engine) keyOwnerAllowed(ctx context.Context, tx *sql.Tx, actorID, ownerID string) error {
	_, perms, err := e.principal(ctx, tx, actorID)
	if err != nil {
		return err
	}
	if actorID != ownerID && !perms.Has(auth.CertsAdmin) {
		return forbidden(auth.CertsAdmin)
	}
	return nil
}

func (e Engine) IssueAPIKey(ctx context.Context, actorID, ownerID, name string) (IssuedKey, error) {
	if err := e.keyOwnerAllowed(ctx, nil, actorID, ownerID); err != nil {
		return IssuedKey{}, err
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return IssuedKey{}, err
	}
	secret := apiKeyPrefix + hex.EncodeToString(raw)

	tx, err := e.begin(ctx)
	if err != nil {
		return IssuedKey{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetUser(ctx, tx, ownerID); err != nil {
		return IssuedKey{}, lookup(err, "user", ownerID)
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   ownerID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: stamp(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return IssuedKey{}, err
	}
	if err := e.audit().Append(ctx, tx, events.Entry{
		Type:       "api_key.issued",
		EntityKind: "api_key",
		EntityID:   key.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"owner_id": ownerID, "name": name},
	}); err != nil {
		return IssuedKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{APIKey: key, Secret: secret}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID, ownerID string, includeRevoked bool) ([]domain.APIKey, error) {
	if err := e.keyOwnerAllowed(ctx, nil, actorID, ownerID); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, ownerID, includeRevoked)
}

// RevokeAPIKey disables a key for good. Revoking twice is not_found.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID string) (domain.APIKey, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()
	key, err := e.Repo.GetAPIKey(ctx, tx, keyID)
	if err != nil {
		return key, lookup(err, "api key", keyID)
	}
	if err := e.keyOwnerAllowed(ctx, tx, actorID, key.ActorID); err != nil {
		return key, err
	}
	ts := stamp(e.now())
	ok, err := e.Repo.RevokeAPIKey(ctx, tx, keyID, ts)
	if err != nil {
		return key, err
	}
	if !ok {
		return key, notFound("api key", keyID)
	}
	key.RevokedAt = &ts
	if err := e.audit().Append(ctx, tx, events.Entry{
		Type:       "api_key.revoked",
		EntityKind: "api_key",
		EntityID:   keyID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"owner_id": key.ActorID},
	}); err != nil {
		return key, err
	}
	return key, tx.Commit()
}
