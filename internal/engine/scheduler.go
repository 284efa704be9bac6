package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

// cursorKey holds the ordinal of the curator who receives the next
// participant. Mutated only by compare-and-set.
const cursorKey = "next_curator_ordinal"

const casRetries = 5

// AssignNextCurator picks the cursor's curator and advances the cursor in
// ring order. Returns nil with no side effect when the lineup is empty. The
// cursor swap is a compare-and-set, retried under contention, so concurrent
// registrations each consume a distinct rotation slot.
func (e Engine) AssignNextCurator(ctx context.Context) (*domain.Curator, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		curator, swapped, err := e.tryAssignNextCurator(ctx)
		if err != nil {
			return nil, err
		}
		if curator == nil {
			return nil, nil
		}
		if swapped {
			return curator, nil
		}
	}
	return nil, fmt.Errorf("assign curator: cursor contention, retry")
}

func (e Engine) tryAssignNextCurator(ctx context.Context) (*domain.Curator, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	curators, err := e.Repo.ListCuratorsTx(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if len(curators) == 0 {
		return nil, false, nil
	}

	old, err := e.Repo.GetMetaTx(ctx, tx, cursorKey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, false, err
	}

	// The cursor's curator may have been removed; fall back to the head of
	// ring order and treat that as chosen.
	chosen := curators[0]
	pos := 0
	if old != "" {
		want, perr := strconv.ParseInt(old, 10, 64)
		if perr == nil {
			for i, c := range curators {
				if c.Ordinal == want {
					chosen = c
					pos = i
					break
				}
			}
		}
	}
	next := curators[(pos+1)%len(curators)].Ordinal

	swapped, err := e.Repo.CompareAndSetMetaTx(ctx, tx, cursorKey, old, strconv.FormatInt(next, 10))
	if err != nil {
		return nil, false, err
	}
	if !swapped {
		return &chosen, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &chosen, true, nil
}

// AddCurator appends a curator to the end of ring order.
func (e Engine) AddCurator(ctx context.Context, name, channelID, actorID string) (domain.Curator, error) {
	if name == "" || channelID == "" {
		return domain.Curator{}, errors.New("name and channel_id required")
	}
	if c, err := e.Repo.GetCuratorByChannel(ctx, channelID); err == nil {
		return c, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Curator{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Curator{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.InsertCuratorTx(ctx, tx, name, channelID)
	if err != nil {
		return domain.Curator{}, fmt.Errorf("insert curator: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "curator.added", "curator", channelID, actorID, events.EventPayload{
		"name":    name,
		"ordinal": c.Ordinal,
	}); err != nil {
		return domain.Curator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Curator{}, err
	}
	return c, nil
}

// MintInviteToken issues a one-shot curator invite token. The raw token is
// returned once; only its hash is stored.
func (e Engine) MintInviteToken(ctx context.Context, actorID string) (string, error) {
	token := uuid.NewString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.StoreInviteTokenTx(ctx, tx, token); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "curator.invite.minted", "contest", "", actorID, events.EventPayload{}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// MintCuratorToken issues a long-lived API token for an existing curator.
// Only the hash is stored; the raw token is returned once.
func (e Engine) MintCuratorToken(ctx context.Context, channelID, actorID string) (string, error) {
	if _, err := e.Repo.GetCuratorByChannel(ctx, channelID); err != nil {
		return "", err
	}
	token := uuid.NewString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := e.Repo.StoreCuratorTokenTx(ctx, tx, token, channelID); err != nil {
		return "", err
	}
	if err := e.Events.Append(ctx, tx, "curator.token.minted", "curator", channelID, actorID, events.EventPayload{}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

// JoinByInvite consumes an invite token and adds the caller to the lineup.
// Consuming and inserting share one transaction, so a token admits at most
// one curator.
func (e Engine) JoinByInvite(ctx context.Context, token, name, channelID string) (domain.Curator, error) {
	if c, err := e.Repo.GetCuratorByChannel(ctx, channelID); err == nil {
		return c, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Curator{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Curator{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ConsumeInviteTokenTx(ctx, tx, token)
	if err != nil {
		return domain.Curator{}, err
	}
	if !ok {
		return domain.Curator{}, domain.ErrInvalidToken
	}
	c, err := e.Repo.InsertCuratorTx(ctx, tx, name, channelID)
	if err != nil {
		return domain.Curator{}, fmt.Errorf("insert curator: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "curator.joined", "curator", channelID, channelID, events.EventPayload{
		"name":    name,
		"ordinal": c.Ordinal,
	}); err != nil {
		return domain.Curator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Curator{}, err
	}
	return c, nil
}

// RemoveCurator drops a curator and reassigns all their participants to the
// next curator in ring order. Removing the last curator is refused.
func (e Engine) RemoveCurator(ctx context.Context, channelID, actorID string) (domain.Curator, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Curator{}, err
	}
	defer tx.Rollback()

	curators, err := e.Repo.ListCuratorsTx(ctx, tx)
	if err != nil {
		return domain.Curator{}, err
	}
	pos := -1
	for i, c := range curators {
		if c.ChannelID == channelID {
			pos = i
			break
		}
	}
	if pos == -1 {
		return domain.Curator{}, repo.ErrNotFound
	}
	if len(curators) == 1 {
		return domain.Curator{}, fmt.Errorf("%w: cannot remove the last curator", domain.ErrInvariantViolation)
	}
	removed := curators[pos]
	heir := curators[(pos+1)%len(curators)]

	moved, err := e.Repo.ReassignParticipantsTx(ctx, tx, removed.Ordinal, heir.Ordinal)
	if err != nil {
		return domain.Curator{}, fmt.Errorf("reassign participants: %w", err)
	}
	if err := e.Repo.DeleteCuratorTx(ctx, tx, removed.Ordinal); err != nil {
		return domain.Curator{}, err
	}
	// Keep the cursor off the removed ordinal so the ring has no gap to
	// get stuck on.
	if cur, err := e.Repo.GetMetaTx(ctx, tx, cursorKey); err == nil && cur == strconv.FormatInt(removed.Ordinal, 10) {
		if err := e.Repo.SetMetaTx(ctx, tx, cursorKey, strconv.FormatInt(heir.Ordinal, 10)); err != nil {
			return domain.Curator{}, err
		}
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Curator{}, err
	}
	if err := e.Events.Append(ctx, tx, "curator.removed", "curator", channelID, actorID, events.EventPayload{
		"ordinal":  removed.Ordinal,
		"heir":     heir.Ordinal,
		"migrated": moved,
	}); err != nil {
		return domain.Curator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Curator{}, err
	}
	return heir, nil
}
