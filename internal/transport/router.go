package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"reviewline/internal/aggregate"
	"reviewline/internal/catalog"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/repo"
)

// Router drives the engine from the channel's inbound event stream. It owns
// the two pieces of conversational sub-state the engine must not know about:
// which task each participant last picked, and which curator owes a
// rejection reason for which submission. The reason sub-state is consulted
// before anything else, replacing a global catch-all text handler.
type Router struct {
	Engine   engine.Engine
	Buffer   *aggregate.Buffer
	Notifier Notifier
	Log      *slog.Logger

	mu             sync.Mutex
	chosenTask     map[string]int
	awaitingReason map[string]string
}

func NewRouter(eng engine.Engine, notifier Notifier, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		Engine:         eng,
		Notifier:       notifier,
		Log:            log,
		chosenTask:     make(map[string]int),
		awaitingReason: make(map[string]string),
	}
	idle := eng.Config.IdleWindow()
	cap := eng.Config.Aggregation.FragmentCap
	r.Buffer = aggregate.New(idle, cap, r.finalizeSession)
	return r
}

// Handle dispatches one inbound event. User-facing rejections become
// notifications to the triggering actor; only storage failures propagate.
func (r *Router) Handle(ctx context.Context, ev any) error {
	switch e := ev.(type) {
	case Registered:
		return r.handleRegistered(ctx, e)
	case TaskChosen:
		return r.handleTaskChosen(ctx, e)
	case FragmentReceived:
		return r.handleFragment(ctx, e)
	case FinalizeRequested:
		return r.handleFinalize(ctx, e)
	case CancelRequested:
		return r.handleCancel(ctx, e)
	case CuratorDecision:
		return r.handleDecision(ctx, e)
	case CuratorAdvanceRequested:
		return r.Advance(ctx, e.CuratorID)
	case CuratorAdded:
		return r.handleCuratorAdded(ctx, e)
	case CuratorRemoved:
		return r.handleCuratorRemoved(ctx, e)
	default:
		return fmt.Errorf("unknown inbound event %T", ev)
	}
}

func (r *Router) handleRegistered(ctx context.Context, ev Registered) error {
	p, curator, err := r.Engine.RegisterParticipant(ctx, ev.ParticipantID, ev.Name, ev.Group)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRegistered) {
			r.notify(ctx, ev.ParticipantID, "You are already registered. Here is the task list:")
			return r.presentTasks(ctx, ev.ParticipantID)
		}
		if errors.Is(err, domain.ErrNoCuratorAssigned) {
			r.notify(ctx, ev.ParticipantID, "Registration is not open yet: no curators are available. Please try again later.")
			return nil
		}
		return err
	}
	r.notify(ctx, p.ChannelID, fmt.Sprintf("Registration complete! Your curator: %s. Good luck!", curator.Name))
	r.notify(ctx, curator.ChannelID, fmt.Sprintf("New participant %s (%s) has been assigned to you.", p.Name, p.Group))
	return r.presentTasks(ctx, p.ChannelID)
}

func (r *Router) handleTaskChosen(ctx context.Context, ev TaskChosen) error {
	if err := r.Engine.CheckEligibility(ctx, ev.ParticipantID, ev.TaskID); err != nil {
		if msg, ok := userMessage(err); ok {
			r.notify(ctx, ev.ParticipantID, msg)
			return nil
		}
		return err
	}
	t, err := catalog.ByID(ev.TaskID)
	if err != nil {
		r.notify(ctx, ev.ParticipantID, "Unknown task.")
		return nil
	}
	r.mu.Lock()
	r.chosenTask[ev.ParticipantID] = ev.TaskID
	r.mu.Unlock()
	r.notify(ctx, ev.ParticipantID, submitPrompt(t))
	return nil
}

func (r *Router) handleFragment(ctx context.Context, ev FragmentReceived) error {
	// A curator who owes a rejection reason gets their next text routed
	// there first.
	r.mu.Lock()
	pendingReject, owes := r.awaitingReason[ev.ParticipantID]
	r.mu.Unlock()
	if owes && ev.Kind == "text" {
		return r.completeRejection(ctx, ev.ParticipantID, pendingReject, ev.Text)
	}

	r.mu.Lock()
	taskID, chosen := r.chosenTask[ev.ParticipantID]
	r.mu.Unlock()
	if !chosen {
		r.notify(ctx, ev.ParticipantID, "Pick a task first.")
		return nil
	}
	// Re-run the gate per fragment: a concurrent acceptance between
	// fragments must stop the accumulation, not surface at finalize only.
	if err := r.Engine.CheckEligibility(ctx, ev.ParticipantID, taskID); err != nil {
		if msg, ok := userMessage(err); ok {
			r.Buffer.Cancel(ev.ParticipantID)
			r.notify(ctx, ev.ParticipantID, msg)
			return nil
		}
		return err
	}
	t, err := catalog.ByID(taskID)
	if err != nil {
		return err
	}
	spec, err := catalog.Spec(t.Kind)
	if err != nil {
		return err
	}
	frag := domain.Fragment{Kind: ev.Kind, Ref: ev.Ref, Text: ev.Text, Caption: ev.Caption}
	count, closed := r.Buffer.Add(ev.ParticipantID, taskID, frag, ev.GroupKey, spec.Cap)
	if spec.Multi && !closed {
		r.notify(ctx, ev.ParticipantID, fmt.Sprintf("Got %d of up to %d. Send more, or finalize when done.", count, spec.Cap))
	}
	return nil
}

func (r *Router) handleFinalize(ctx context.Context, ev FinalizeRequested) error {
	if err := r.Buffer.Finalize(ev.ParticipantID); err != nil {
		if errors.Is(err, domain.ErrEmptySubmission) {
			r.notify(ctx, ev.ParticipantID, "Nothing to submit yet; send your evidence first.")
			return nil
		}
		return err
	}
	return nil
}

func (r *Router) handleCancel(ctx context.Context, ev CancelRequested) error {
	if r.Buffer.Cancel(ev.ParticipantID) {
		r.notify(ctx, ev.ParticipantID, "Draft discarded.")
	}
	return nil
}

// finalizeSession is the buffer's close callback: it turns an accumulated
// fragment list into one pending submission and fans out the notifications.
func (r *Router) finalizeSession(participantID string, taskID int, frags []domain.Fragment) {
	ctx := context.Background()
	s, curator, err := r.Engine.Submit(ctx, participantID, taskID, frags)
	if err != nil {
		if msg, ok := userMessage(err); ok {
			r.notify(ctx, participantID, msg)
			return
		}
		r.Log.Error("finalize submission", "participant", participantID, "task", taskID, "err", err)
		r.notify(ctx, participantID, "Something went wrong storing your submission; please try again.")
		return
	}
	r.mu.Lock()
	delete(r.chosenTask, participantID)
	r.mu.Unlock()

	r.notify(ctx, participantID, "Your answer was sent to your curator for review.")
	pending, err := r.Engine.PendingSummary(ctx, curator.ChannelID)
	if err != nil {
		r.Log.Error("pending summary", "curator", curator.ChannelID, "err", err)
		return
	}
	r.notify(ctx, curator.ChannelID, fmt.Sprintf("New answer from a participant! Unreviewed: %d. Submission %s.", pending, s.ID))
}

func (r *Router) handleDecision(ctx context.Context, ev CuratorDecision) error {
	if ev.Accept {
		d, err := r.Engine.Accept(ctx, ev.SubmissionID, ev.CuratorID)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyResolved) {
				r.notify(ctx, ev.CuratorID, "This submission was already reviewed.")
				return r.maybeAdvance(ctx, ev.CuratorID)
			}
			if errors.Is(err, repo.ErrNotFound) {
				r.notify(ctx, ev.CuratorID, "Submission not found.")
				return nil
			}
			return err
		}
		r.notify(ctx, d.Participant, fmt.Sprintf("Task %d accepted! +%d points, total %d.", d.TaskID, d.Points, d.Total))
		r.notify(ctx, ev.CuratorID, "Accepted.")
		return r.maybeAdvance(ctx, ev.CuratorID)
	}

	if ev.Reason == "" {
		// Reason arrives as the curator's next text message.
		r.mu.Lock()
		r.awaitingReason[ev.CuratorID] = ev.SubmissionID
		r.mu.Unlock()
		r.notify(ctx, ev.CuratorID, "Send the rejection reason:")
		return nil
	}
	return r.completeRejection(ctx, ev.CuratorID, ev.SubmissionID, ev.Reason)
}

func (r *Router) completeRejection(ctx context.Context, curatorID, submissionID, reason string) error {
	r.mu.Lock()
	delete(r.awaitingReason, curatorID)
	r.mu.Unlock()

	d, err := r.Engine.Reject(ctx, submissionID, reason, curatorID)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			r.notify(ctx, curatorID, "This submission was already reviewed.")
			return r.maybeAdvance(ctx, curatorID)
		}
		if errors.Is(err, repo.ErrNotFound) {
			r.notify(ctx, curatorID, "Submission not found.")
			return nil
		}
		return err
	}
	r.notify(ctx, d.Participant, fmt.Sprintf("Task %d was not accepted.\nReason: %s\nYou may submit a new answer.", d.TaskID, d.Reason))
	r.notify(ctx, curatorID, "The comment was sent to the participant.")
	return r.maybeAdvance(ctx, curatorID)
}

// Advance offers the curator the next submission in their queue.
func (r *Router) Advance(ctx context.Context, curatorID string) error {
	item, err := r.Engine.NextForCurator(ctx, curatorID)
	if err != nil {
		if errors.Is(err, domain.ErrQueueEmpty) {
			r.notify(ctx, curatorID, "All submissions reviewed.")
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			r.notify(ctx, curatorID, "You are not on the curator lineup.")
			return nil
		}
		return err
	}
	rendering := RenderReviewItem(item)
	if err := r.Notifier.PresentForReview(ctx, curatorID, rendering, reviewActions(item.Submission.ID)); err != nil {
		r.Log.Error("present for review", "curator", curatorID, "submission", item.Submission.ID, "err", err)
	}
	return nil
}

func (r *Router) maybeAdvance(ctx context.Context, curatorID string) error {
	if r.Engine.Config != nil && !r.Engine.Config.Review.AutoAdvance {
		return nil
	}
	return r.Advance(ctx, curatorID)
}

func (r *Router) handleCuratorAdded(ctx context.Context, ev CuratorAdded) error {
	if ev.InviteToken != "" {
		c, err := r.Engine.JoinByInvite(ctx, ev.InviteToken, ev.Name, ev.ChannelID)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidToken) {
				r.notify(ctx, ev.ChannelID, "This invite link is invalid or already used.")
				return nil
			}
			return err
		}
		r.notify(ctx, c.ChannelID, fmt.Sprintf("You have been added to the curator lineup, %s!", c.Name))
		return nil
	}
	c, err := r.Engine.AddCurator(ctx, ev.Name, ev.ChannelID, ev.ActorID)
	if err != nil {
		return err
	}
	r.notify(ctx, c.ChannelID, fmt.Sprintf("You have been added to the curator lineup, %s!", c.Name))
	return nil
}

func (r *Router) handleCuratorRemoved(ctx context.Context, ev CuratorRemoved) error {
	heir, err := r.Engine.RemoveCurator(ctx, ev.ChannelID, ev.ActorID)
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			r.notify(ctx, ev.ActorID, "Cannot remove the last remaining curator.")
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			r.notify(ctx, ev.ActorID, "No such curator.")
			return nil
		}
		return err
	}
	r.notify(ctx, heir.ChannelID, "Participants from a removed curator were reassigned to you.")
	return nil
}

func (r *Router) presentTasks(ctx context.Context, participantID string) error {
	tasks, err := r.Engine.AvailableTasks(ctx, participantID)
	if err != nil {
		return err
	}
	if err := r.Notifier.PresentTaskList(ctx, participantID, tasks); err != nil {
		r.Log.Error("present task list", "participant", participantID, "err", err)
	}
	return nil
}

// notify is best-effort: a lost notification is an at-most-once delivery
// gap, never a reason to fail the state transition that triggered it.
func (r *Router) notify(ctx context.Context, recipientID, message string) {
	if err := r.Notifier.Notify(ctx, recipientID, message); err != nil {
		r.Log.Error("notify", "recipient", recipientID, "err", err)
	}
}

// userMessage maps the expected rejection conditions to participant-facing
// text; anything else is an internal failure.
func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, domain.ErrTaskLocked):
		return "The super task unlocks after at least 3 accepted tasks.", true
	case errors.Is(err, domain.ErrAlreadyAccepted):
		return "You already completed this task and it was accepted.", true
	case errors.Is(err, domain.ErrReviewInProgress):
		return "Your answer for this task is already under review.", true
	case errors.Is(err, domain.ErrEmptySubmission):
		return "Nothing to submit yet; send your evidence first.", true
	case errors.Is(err, domain.ErrWrongKind):
		return "Wrong answer format. Please send it in the required format.", true
	case errors.Is(err, domain.ErrNotRegistered):
		return "You are not registered. Send /start to register.", true
	case errors.Is(err, domain.ErrNoCuratorAssigned):
		return "No curator is assigned to you yet; please contact the organizers.", true
	}
	return "", false
}

func submitPrompt(t catalog.Task) string {
	spec, err := catalog.Spec(t.Kind)
	if err != nil {
		return "Send your answer."
	}
	head := fmt.Sprintf("Task %d. %s (%d points on approval)\n", t.ID, t.Title, t.Points)
	switch {
	case spec.Multi:
		return head + fmt.Sprintf("Send up to %d photos/videos; finalize when done.", spec.Cap)
	case t.Kind == catalog.KindPhotoText:
		return head + "Send a photo with a text explanation."
	case t.Kind == catalog.KindPhoto:
		return head + "Send a photo."
	case t.Kind == catalog.KindVideo:
		return head + "Send a video."
	default:
		return head + "Send your answer as text."
	}
}
