package domain

import "errors"

// User-facing rejection conditions. All of these are expected outcomes
// surfaced to the triggering actor, never fatal to the process.
var (
	// ErrTaskLocked blocks the unlock-gated task until enough tasks are accepted.
	ErrTaskLocked = errors.New("task locked")
	// ErrAlreadyAccepted blocks resubmission of an accepted task.
	ErrAlreadyAccepted = errors.New("task already accepted")
	// ErrReviewInProgress blocks a second submission while one is pending.
	ErrReviewInProgress = errors.New("review in progress")
	// ErrEmptySubmission rejects finalizing with no fragments accumulated.
	ErrEmptySubmission = errors.New("empty submission")
	// ErrAlreadyResolved rejects a decision on a non-pending submission.
	ErrAlreadyResolved = errors.New("submission already resolved")
	// ErrInvariantViolation guards operations like removing the last curator.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNotRegistered is returned for operations by unknown participants.
	ErrNotRegistered = errors.New("participant not registered")
	// ErrNoCuratorAssigned blocks registration while the curator lineup is empty.
	ErrNoCuratorAssigned = errors.New("no curator assigned")
	// ErrQueueEmpty reports an exhausted review queue.
	ErrQueueEmpty = errors.New("review queue empty")
	// ErrWrongKind rejects evidence that does not match the task's required kind.
	ErrWrongKind = errors.New("wrong content kind")
	// ErrAlreadyRegistered rejects a second registration for the same identity.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrInvalidToken rejects an unknown or already-consumed invite token.
	ErrInvalidToken = errors.New("invite token invalid or already used")
)
