package transport_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"reviewline/internal/catalog"
	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
	"reviewline/internal/repo"
	"reviewline/internal/transport"
)

type note struct {
	recipient string
	message   string
}

type fakeNotifier struct {
	mu        sync.Mutex
	notes     []note
	reviews   []transport.Rendering
	taskLists []string
}

func (n *fakeNotifier) Notify(ctx context.Context, recipientID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{recipientID, message})
	return nil
}

func (n *fakeNotifier) PresentForReview(ctx context.Context, curatorID string, r transport.Rendering, actions []transport.Action) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reviews = append(n.reviews, r)
	return nil
}

func (n *fakeNotifier) PresentTaskList(ctx context.Context, participantID string, tasks []catalog.Task) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taskLists = append(n.taskLists, participantID)
	return nil
}

func (n *fakeNotifier) received(recipient, substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.notes {
		if m.recipient == recipient && strings.Contains(m.message, substr) {
			return true
		}
	}
	return false
}

func (n *fakeNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = nil
	n.reviews = nil
	n.taskLists = nil
}

func newTestRouter(t *testing.T) (*transport.Router, *fakeNotifier) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default("contest"))
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	notifier := &fakeNotifier{}
	router := transport.NewRouter(eng, notifier, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	if _, err := eng.AddCurator(context.Background(), "Casey", "cur-1", "tester"); err != nil {
		t.Fatalf("add curator: %v", err)
	}
	return router, notifier
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func handle(t *testing.T, r *transport.Router, ev any) {
	t.Helper()
	if err := r.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle %T: %v", ev, err)
	}
}

func TestRegisteredFlow(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})

	if !notifier.received("part-1", "Registration complete") {
		t.Fatal("participant not welcomed")
	}
	if !notifier.received("cur-1", "New participant Pat") {
		t.Fatal("curator not told about the assignment")
	}
	if len(notifier.taskLists) != 1 || notifier.taskLists[0] != "part-1" {
		t.Fatalf("task list presentations = %v", notifier.taskLists)
	}

	// repeat registration is friendly, not an error
	notifier.reset()
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	if !notifier.received("part-1", "already registered") {
		t.Fatal("repeat registration not acknowledged")
	}
}

func TestTextSubmissionRoundTrip(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	handle(t, router, transport.TaskChosen{ParticipantID: "part-1", TaskID: 2})
	if !notifier.received("part-1", "Task 2.") {
		t.Fatal("no submit prompt")
	}

	// text tasks close on the first fragment, no explicit finalize needed
	handle(t, router, transport.FragmentReceived{ParticipantID: "part-1", Kind: "text", Text: "my answer"})
	if !notifier.received("part-1", "sent to your curator") {
		t.Fatal("participant not told the answer went out")
	}
	if !notifier.received("cur-1", "Unreviewed: 1") {
		t.Fatal("curator not told about the new answer")
	}

	item, err := router.Engine.NextForCurator(context.Background(), "cur-1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if item.Submission.Kind != catalog.KindText || item.Submission.Status != domain.StatusPending {
		t.Fatalf("stored submission = %+v", item.Submission)
	}

	notifier.reset()
	handle(t, router, transport.CuratorDecision{CuratorID: "cur-1", SubmissionID: item.Submission.ID, Accept: true})
	if !notifier.received("part-1", "Task 2 accepted! +1 points, total 1.") {
		t.Fatal("participant not told about the acceptance")
	}
	if !notifier.received("cur-1", "All submissions reviewed.") {
		t.Fatal("auto-advance on an empty queue should say so")
	}
}

func TestRejectReasonArrivesAsNextText(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	handle(t, router, transport.TaskChosen{ParticipantID: "part-1", TaskID: 2})
	handle(t, router, transport.FragmentReceived{ParticipantID: "part-1", Kind: "text", Text: "weak answer"})

	item, err := router.Engine.NextForCurator(context.Background(), "cur-1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	handle(t, router, transport.CuratorDecision{CuratorID: "cur-1", SubmissionID: item.Submission.ID, Accept: false})
	if !notifier.received("cur-1", "Send the rejection reason") {
		t.Fatal("curator not asked for a reason")
	}

	// the curator's next text completes the rejection instead of being
	// treated as submission content
	handle(t, router, transport.FragmentReceived{ParticipantID: "cur-1", Kind: "text", Text: "needs more detail"})
	if !notifier.received("part-1", "needs more detail") {
		t.Fatal("reason not relayed to the participant")
	}
	if !notifier.received("cur-1", "comment was sent") {
		t.Fatal("curator not confirmed")
	}
	s, err := router.Engine.Repo.GetSubmission(context.Background(), item.Submission.ID)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != domain.StatusRejected || s.Comment != "needs more detail" {
		t.Fatalf("submission = %+v", s)
	}
}

func TestFragmentWithoutChosenTask(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	handle(t, router, transport.FragmentReceived{ParticipantID: "part-1", Kind: "photo", Ref: "f1"})
	if !notifier.received("part-1", "Pick a task first") {
		t.Fatal("stray fragment not bounced")
	}
	if _, err := router.Engine.NextForCurator(context.Background(), "cur-1"); !errors.Is(err, domain.ErrQueueEmpty) {
		t.Fatalf("queue should be empty, got %v", err)
	}
}

func TestMultiPartExplicitFinalize(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	handle(t, router, transport.TaskChosen{ParticipantID: "part-1", TaskID: 7})

	for _, ref := range []string{"p1", "p2", "p3"} {
		handle(t, router, transport.FragmentReceived{ParticipantID: "part-1", Kind: "photo", Ref: ref})
	}
	if !notifier.received("part-1", "Got 3 of up to 10") {
		t.Fatal("no accumulation progress message")
	}

	handle(t, router, transport.FinalizeRequested{ParticipantID: "part-1"})
	item, err := router.Engine.NextForCurator(context.Background(), "cur-1")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(item.Submission.Fragments) != 3 {
		t.Fatalf("fragments = %d, want 3", len(item.Submission.Fragments))
	}

	// a second finalize has nothing left to close
	notifier.reset()
	handle(t, router, transport.FinalizeRequested{ParticipantID: "part-1"})
	if !notifier.received("part-1", "Nothing to submit yet") {
		t.Fatal("empty finalize not bounced")
	}
}

func TestCancelDiscardsDraft(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	handle(t, router, transport.TaskChosen{ParticipantID: "part-1", TaskID: 7})
	handle(t, router, transport.FragmentReceived{ParticipantID: "part-1", Kind: "photo", Ref: "p1"})
	handle(t, router, transport.CancelRequested{ParticipantID: "part-1"})
	if !notifier.received("part-1", "Draft discarded") {
		t.Fatal("cancel not acknowledged")
	}
	if _, err := router.Engine.NextForCurator(context.Background(), "cur-1"); !errors.Is(err, domain.ErrQueueEmpty) {
		t.Fatalf("queue: got %v, want ErrQueueEmpty", err)
	}
}

func TestLockedTaskChoiceBounced(t *testing.T) {
	router, notifier := newTestRouter(t)
	handle(t, router, transport.Registered{ParticipantID: "part-1", Name: "Pat", Group: "A"})
	handle(t, router, transport.TaskChosen{ParticipantID: "part-1", TaskID: 13})
	if !notifier.received("part-1", "unlocks after at least 3 accepted") {
		t.Fatal("locked task not explained")
	}
}

func TestCuratorLifecycleEvents(t *testing.T) {
	router, notifier := newTestRouter(t)
	ctx := context.Background()
	token, err := router.Engine.MintInviteToken(ctx, "tester")
	if err != nil {
		t.Fatal(err)
	}
	handle(t, router, transport.CuratorAdded{Name: "Newcomer", ChannelID: "cur-2", InviteToken: token})
	if !notifier.received("cur-2", "added to the curator lineup") {
		t.Fatal("joined curator not welcomed")
	}
	handle(t, router, transport.CuratorAdded{Name: "Tagalong", ChannelID: "cur-3", InviteToken: token})
	if !notifier.received("cur-3", "invalid or already used") {
		t.Fatal("reused invite not bounced")
	}

	handle(t, router, transport.CuratorRemoved{ChannelID: "cur-1", ActorID: "admin"})
	if !notifier.received("cur-2", "reassigned to you") {
		t.Fatal("heir not told about the migration")
	}
	if _, err := router.Engine.Repo.GetCuratorByChannel(ctx, "cur-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("removed curator still present: %v", err)
	}
}

func TestRenderPhotoText(t *testing.T) {
	item := engine.ReviewItem{
		Submission: domain.Submission{
			ID:   "sub-1",
			Kind: catalog.KindPhotoText,
			Fragments: []domain.Fragment{
				{Kind: "photo", Ref: "file-1", Caption: "my caption"},
			},
		},
		Participant: domain.Participant{ChannelID: "part-1", Name: "Pat"},
		Task:        catalog.Task{ID: 1, Title: "Introduce yourself"},
	}
	r := transport.RenderReviewItem(item)
	if r.SubmissionID != "sub-1" {
		t.Fatalf("submission id = %s", r.SubmissionID)
	}
	if !strings.Contains(r.Text, "Task 1. Introduce yourself") || !strings.Contains(r.Text, "my caption") {
		t.Fatalf("rendering text = %q", r.Text)
	}
	if len(r.Media) != 1 || r.Media[0].Ref != "file-1" {
		t.Fatalf("rendering media = %+v", r.Media)
	}
}
