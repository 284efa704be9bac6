package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"reviewline/internal/catalog"
	"reviewline/internal/domain"
	"reviewline/internal/events"
)

// Submit records one pending submission from an ordered fragment list. The
// eligibility gate runs again here even when it already passed at task
// selection or per fragment: state can change in between.
func (e Engine) Submit(ctx context.Context, participantID string, taskID int, frags []domain.Fragment) (domain.Submission, domain.Curator, error) {
	if len(frags) == 0 {
		return domain.Submission{}, domain.Curator{}, domain.ErrEmptySubmission
	}
	if err := e.CheckEligibility(ctx, participantID, taskID); err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	t, err := catalog.ByID(taskID)
	if err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	spec, err := catalog.Spec(t.Kind)
	if err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	if len(frags) > spec.Cap {
		return domain.Submission{}, domain.Curator{}, fmt.Errorf("%w: at most %d fragments", domain.ErrWrongKind, spec.Cap)
	}
	if err := spec.Validate(frags); err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}

	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	if p.CuratorOrdinal == nil {
		return domain.Submission{}, domain.Curator{}, domain.ErrNoCuratorAssigned
	}
	curator, err := e.Repo.GetCurator(ctx, *p.CuratorOrdinal)
	if err != nil {
		return domain.Submission{}, domain.Curator{}, fmt.Errorf("resolve curator: %w", err)
	}

	now := e.nowStr()
	s := domain.Submission{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		TaskID:        taskID,
		Status:        domain.StatusPending,
		Kind:          t.Kind,
		Fragments:     frags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubmissionTx(ctx, tx, s); err != nil {
		// The partial unique index backs the gate under concurrency: a
		// second pending row for the same (participant, task) cannot land.
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.Submission{}, domain.Curator{}, domain.ErrReviewInProgress
		}
		return domain.Submission{}, domain.Curator{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "submission.created", "submission", s.ID, participantID, events.EventPayload{
		"task_id":   taskID,
		"kind":      t.Kind,
		"fragments": len(frags),
	}); err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, domain.Curator{}, err
	}
	return s, curator, nil
}

// SubmitText is the single-fragment text path.
func (e Engine) SubmitText(ctx context.Context, participantID string, taskID int, text string) (domain.Submission, domain.Curator, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Submission{}, domain.Curator{}, domain.ErrEmptySubmission
	}
	return e.Submit(ctx, participantID, taskID, []domain.Fragment{{Kind: "text", Text: text}})
}

// ParseTaskID converts a transport-supplied task reference.
func ParseTaskID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}
