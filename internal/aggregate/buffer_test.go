package aggregate

import (
	"sync"
	"testing"
	"time"

	"reviewline/internal/domain"
)

type finalized struct {
	participantID string
	taskID        int
	frags         []domain.Fragment
}

// testBuffer swaps the idle timer for a manual trigger so tests drive
// fires deterministically instead of sleeping.
type testBuffer struct {
	*Buffer
	mu    sync.Mutex
	fires []func()
	done  []finalized
}

func newTestBuffer(idle time.Duration, cap int) *testBuffer {
	tb := &testBuffer{}
	tb.Buffer = New(idle, cap, func(participantID string, taskID int, frags []domain.Fragment) {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.done = append(tb.done, finalized{participantID, taskID, frags})
	})
	tb.Buffer.idleTimer = func(d time.Duration, f func()) *time.Timer {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.fires = append(tb.fires, f)
		return time.NewTimer(time.Hour)
	}
	return tb
}

func (tb *testBuffer) fireLast(t *testing.T) {
	t.Helper()
	tb.mu.Lock()
	if len(tb.fires) == 0 {
		tb.mu.Unlock()
		t.Fatal("no pending timer")
	}
	f := tb.fires[len(tb.fires)-1]
	tb.mu.Unlock()
	f()
}

func (tb *testBuffer) finalized(t *testing.T) []finalized {
	t.Helper()
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]finalized, len(tb.done))
	copy(out, tb.done)
	return out
}

func frag(kind, ref string) domain.Fragment { return domain.Fragment{Kind: kind, Ref: ref} }

func TestCapClosesSessionImmediately(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	var closed bool
	for i, ref := range []string{"a", "b", "c"} {
		count, done := tb.Add("part-1", 7, frag("photo", ref), "g1", 3)
		if count != i+1 {
			t.Fatalf("count = %d, want %d", count, i+1)
		}
		closed = done
	}
	if !closed {
		t.Fatal("cap reached but session stayed open")
	}
	got := tb.finalized(t)
	if len(got) != 1 {
		t.Fatalf("finalized %d times, want 1", len(got))
	}
	if got[0].taskID != 7 || len(got[0].frags) != 3 || got[0].frags[2].Ref != "c" {
		t.Fatalf("finalized = %+v", got[0])
	}
	if tb.Open("part-1") {
		t.Fatal("session still open after close")
	}
}

func TestIdleFireFinalizesOnce(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	tb.Add("part-1", 7, frag("photo", "a"), "", 0)
	tb.Add("part-1", 7, frag("photo", "b"), "", 0)

	tb.fireLast(t)
	got := tb.finalized(t)
	if len(got) != 1 || len(got[0].frags) != 2 {
		t.Fatalf("finalized = %+v", got)
	}

	// every timer from the session is now stale
	tb.mu.Lock()
	fires := append([]func(){}, tb.fires...)
	tb.mu.Unlock()
	for _, f := range fires {
		f()
	}
	if got := tb.finalized(t); len(got) != 1 {
		t.Fatalf("stale fires finalized again: %d", len(got))
	}
}

func TestStaleFireAfterNewFragment(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	tb.Add("part-1", 7, frag("photo", "a"), "", 0)
	tb.mu.Lock()
	stale := tb.fires[0]
	tb.mu.Unlock()

	tb.Add("part-1", 7, frag("photo", "b"), "", 0)
	stale() // count mismatch, must not finalize a half-done batch
	if got := tb.finalized(t); len(got) != 0 {
		t.Fatalf("stale fire finalized: %+v", got)
	}
	tb.fireLast(t)
	if got := tb.finalized(t); len(got) != 1 || len(got[0].frags) != 2 {
		t.Fatalf("finalized = %+v", got)
	}
}

func TestTaskSwitchSupersedes(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	tb.Add("part-1", 7, frag("photo", "old"), "", 0)
	tb.Add("part-1", 9, frag("video", "new"), "", 0)

	if err := tb.Finalize("part-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got := tb.finalized(t)
	if len(got) != 1 {
		t.Fatalf("finalized %d times", len(got))
	}
	if got[0].taskID != 9 || len(got[0].frags) != 1 || got[0].frags[0].Ref != "new" {
		t.Fatalf("stale accumulation leaked: %+v", got[0])
	}
}

func TestGroupKeySupersedes(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	tb.Add("part-1", 7, frag("photo", "a"), "batch-1", 0)
	tb.Add("part-1", 7, frag("photo", "b"), "batch-1", 0)
	tb.Add("part-1", 7, frag("photo", "c"), "batch-2", 0)

	if err := tb.Finalize("part-1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got := tb.finalized(t)
	if len(got) != 1 || len(got[0].frags) != 1 || got[0].frags[0].Ref != "c" {
		t.Fatalf("finalized = %+v", got)
	}
}

func TestGroupKeyAdoptedBySingleStart(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	// first fragment arrives without a group key, the batch key follows
	tb.Add("part-1", 7, frag("photo", "a"), "", 0)
	count, _ := tb.Add("part-1", 7, frag("photo", "b"), "batch-1", 0)
	if count != 2 {
		t.Fatalf("count = %d, want 2: late group key must not supersede", count)
	}
}

func TestExplicitFinalizeEmpty(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	if err := tb.Finalize("part-1"); err != domain.ErrEmptySubmission {
		t.Fatalf("got %v, want ErrEmptySubmission", err)
	}
	if tb.Cancel("part-1") {
		t.Fatal("cancel reported a session that never existed")
	}
}

func TestCancelDiscards(t *testing.T) {
	tb := newTestBuffer(time.Second, 10)
	tb.Add("part-1", 7, frag("photo", "a"), "", 0)
	if !tb.Cancel("part-1") {
		t.Fatal("cancel found no session")
	}
	tb.mu.Lock()
	fires := append([]func(){}, tb.fires...)
	tb.mu.Unlock()
	for _, f := range fires {
		f()
	}
	if got := tb.finalized(t); len(got) != 0 {
		t.Fatalf("cancelled session finalized: %+v", got)
	}
	if err := tb.Finalize("part-1"); err != domain.ErrEmptySubmission {
		t.Fatalf("got %v, want ErrEmptySubmission", err)
	}
}

func TestPerSessionCapFallsBack(t *testing.T) {
	tb := newTestBuffer(time.Second, 2)
	// requested cap above the buffer limit falls back to the limit
	tb.Add("part-1", 7, frag("photo", "a"), "", 99)
	_, done := tb.Add("part-1", 7, frag("photo", "b"), "", 99)
	if !done {
		t.Fatal("buffer cap not enforced")
	}
	// cap 1 closes on the first fragment
	_, done = tb.Add("part-2", 2, frag("text", ""), "", 1)
	if !done {
		t.Fatal("cap 1 session stayed open")
	}
	if got := tb.finalized(t); len(got) != 2 {
		t.Fatalf("finalized %d times, want 2", len(got))
	}
}
