package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
)

const inviteTokenPrefix = "curator_token_"

// HashToken returns a stable SHA-256 hex digest for a one-shot invite token.
// Only the digest is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// StoreInviteTokenTx records a curator invite token as valid.
func (r Repo) StoreInviteTokenTx(ctx context.Context, tx *sql.Tx, token string) error {
	return r.SetMetaTx(ctx, tx, inviteTokenPrefix+HashToken(token), "valid")
}

// ConsumeInviteTokenTx deletes the token row; the delete doubles as the
// validity check, so a token can be consumed at most once.
func (r Repo) ConsumeInviteTokenTx(ctx context.Context, tx *sql.Tx, token string) (bool, error) {
	return r.DeleteMetaTx(ctx, tx, inviteTokenPrefix+HashToken(token))
}

// --- curator API tokens (long-lived, for the HTTP adapter) ---

const curatorTokenPrefix = "curator_key_"

// StoreCuratorTokenTx binds a hashed API token to a curator channel identity.
func (r Repo) StoreCuratorTokenTx(ctx context.Context, tx *sql.Tx, token, channelID string) error {
	return r.SetMetaTx(ctx, tx, curatorTokenPrefix+HashToken(token), channelID)
}

// CuratorByToken resolves an API token to the curator channel identity.
func (r Repo) CuratorByToken(ctx context.Context, token string) (string, error) {
	return r.GetMeta(ctx, curatorTokenPrefix+HashToken(token))
}
