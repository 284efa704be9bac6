package engine

import (
	"context"
	"fmt"

	"reviewline/internal/catalog"
	"reviewline/internal/domain"
	"reviewline/internal/events"
)

// Decision is the committed outcome of an accept or reject, carrying what
// the transport needs to notify the participant.
type Decision struct {
	Submission  domain.Submission `json:"submission"`
	Participant string            `json:"participant"`
	TaskID      int               `json:"task_id"`
	Points      int               `json:"points,omitempty"`
	Total       int               `json:"total,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Accept resolves a pending submission to accepted and awards the task's
// points. If a sibling submission for the same (participant, task) already
// reached accepted, this one is demoted to duplicate instead and the call
// fails with ErrAlreadyResolved; no points move. Idempotent: a second accept
// of a resolved id fails the same way with no further mutation.
func (e Engine) Accept(ctx context.Context, submissionID, actorID string) (Decision, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return Decision{}, err
	}
	if domain.Terminal(s.Status) {
		return Decision{}, fmt.Errorf("%w: status %s", domain.ErrAlreadyResolved, s.Status)
	}

	dup, err := e.Repo.AcceptedSiblingExistsTx(ctx, tx, s.ParticipantID, s.TaskID, s.ID)
	if err != nil {
		return Decision{}, err
	}
	now := e.nowStr()
	if dup {
		if _, err := e.Repo.ResolveSubmissionTx(ctx, tx, s.ID, domain.StatusPending, domain.StatusDuplicate, "", now); err != nil {
			return Decision{}, err
		}
		if err := e.Events.Append(ctx, tx, "submission.duplicate", "submission", s.ID, actorID, events.EventPayload{
			"task_id": s.TaskID,
		}); err != nil {
			return Decision{}, err
		}
		if err := tx.Commit(); err != nil {
			return Decision{}, err
		}
		return Decision{}, fmt.Errorf("%w: accepted twin exists, demoted to duplicate", domain.ErrAlreadyResolved)
	}

	won, err := e.Repo.ResolveSubmissionTx(ctx, tx, s.ID, domain.StatusPending, domain.StatusAccepted, "", now)
	if err != nil {
		return Decision{}, err
	}
	if !won {
		return Decision{}, domain.ErrAlreadyResolved
	}
	t, err := catalog.ByID(s.TaskID)
	if err != nil {
		return Decision{}, err
	}
	total, err := e.Repo.AddPointsTx(ctx, tx, s.ParticipantID, t.Points)
	if err != nil {
		return Decision{}, fmt.Errorf("award points: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "submission.accepted", "submission", s.ID, actorID, events.EventPayload{
		"task_id": s.TaskID,
		"points":  t.Points,
		"total":   total,
	}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	s.Status = domain.StatusAccepted
	s.UpdatedAt = now
	return Decision{Submission: s, Participant: s.ParticipantID, TaskID: s.TaskID, Points: t.Points, Total: total}, nil
}

// Reject resolves a pending submission to rejected with the curator's
// reason attached. The participant may submit again afterwards; no pending
// or accepted row blocks the gate. Idempotent like Accept.
func (e Engine) Reject(ctx context.Context, submissionID, reason, actorID string) (Decision, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSubmissionTx(ctx, tx, submissionID)
	if err != nil {
		return Decision{}, err
	}
	if domain.Terminal(s.Status) {
		return Decision{}, fmt.Errorf("%w: status %s", domain.ErrAlreadyResolved, s.Status)
	}
	now := e.nowStr()
	won, err := e.Repo.ResolveSubmissionTx(ctx, tx, s.ID, domain.StatusPending, domain.StatusRejected, reason, now)
	if err != nil {
		return Decision{}, err
	}
	if !won {
		return Decision{}, domain.ErrAlreadyResolved
	}
	if err := e.Events.Append(ctx, tx, "submission.rejected", "submission", s.ID, actorID, events.EventPayload{
		"task_id": s.TaskID,
		"reason":  reason,
	}); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	s.Status = domain.StatusRejected
	s.Comment = reason
	s.UpdatedAt = now
	return Decision{Submission: s, Participant: s.ParticipantID, TaskID: s.TaskID, Reason: reason}, nil
}
