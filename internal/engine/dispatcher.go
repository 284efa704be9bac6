package engine

import (
	"context"
	"errors"
	"fmt"

	"reviewline/internal/catalog"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

// ReviewItem is the next submission offered to a curator, bundled with what
// the transport needs to render it.
type ReviewItem struct {
	Submission  domain.Submission  `json:"submission"`
	Participant domain.Participant `json:"participant"`
	Task        catalog.Task       `json:"task"`
	QueueDepth  int                `json:"queue_depth"`
}

// NextForCurator selects the oldest pending submission among the curator's
// participants. Before presenting, it reconciles against the state store:
// a candidate whose (participant, task) already has an accepted sibling is
// demoted to duplicate without being shown, and the scan continues. That
// reconciliation pass is what holds the at-most-one-accepted invariant under
// concurrent curator decisions without a table lock.
func (e Engine) NextForCurator(ctx context.Context, curatorChannelID string) (ReviewItem, error) {
	curator, err := e.Repo.GetCuratorByChannel(ctx, curatorChannelID)
	if err != nil {
		return ReviewItem{}, err
	}
	for {
		s, err := e.Repo.OldestPendingForCurator(ctx, curator.Ordinal)
		if errors.Is(err, repo.ErrNotFound) {
			return ReviewItem{}, domain.ErrQueueEmpty
		}
		if err != nil {
			return ReviewItem{}, err
		}
		demoted, err := e.reconcile(ctx, s, curatorChannelID)
		if err != nil {
			return ReviewItem{}, err
		}
		if demoted {
			continue
		}
		p, err := e.Repo.GetParticipant(ctx, s.ParticipantID)
		if err != nil {
			return ReviewItem{}, err
		}
		t, err := catalog.ByID(s.TaskID)
		if err != nil {
			return ReviewItem{}, err
		}
		depth, err := e.Repo.CountPendingForCurator(ctx, curator.Ordinal)
		if err != nil {
			return ReviewItem{}, err
		}
		return ReviewItem{Submission: s, Participant: p, Task: t, QueueDepth: depth}, nil
	}
}

// reconcile demotes a pending candidate whose task was already accepted
// through another submission. Reports whether the candidate was consumed.
func (e Engine) reconcile(ctx context.Context, s domain.Submission, actorID string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	dup, err := e.Repo.AcceptedSiblingExistsTx(ctx, tx, s.ParticipantID, s.TaskID, s.ID)
	if err != nil {
		return false, err
	}
	if !dup {
		return false, nil
	}
	won, err := e.Repo.ResolveSubmissionTx(ctx, tx, s.ID, domain.StatusPending, domain.StatusDuplicate, "", e.nowStr())
	if err != nil {
		return false, err
	}
	if !won {
		// Someone else resolved it first; either way it is off the queue.
		return true, nil
	}
	if err := e.Events.Append(ctx, tx, "submission.duplicate", "submission", s.ID, actorID, events.EventPayload{
		"task_id": s.TaskID,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// PendingSummary is the dispatcher's queue notice for a curator.
func (e Engine) PendingSummary(ctx context.Context, curatorChannelID string) (int, error) {
	curator, err := e.Repo.GetCuratorByChannel(ctx, curatorChannelID)
	if err != nil {
		return 0, fmt.Errorf("resolve curator: %w", err)
	}
	return e.Repo.CountPendingForCurator(ctx, curator.Ordinal)
}
