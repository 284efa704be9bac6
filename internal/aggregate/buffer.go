// Package aggregate coalesces multi-part media fragments into one atomic
// submission. Sessions are transient process memory: they exist between the
// first fragment and finalization, and a session that is superseded or
// cancelled never produces a submission.
package aggregate

import (
	"sync"
	"time"

	"reviewline/internal/domain"
)

// FinalizeFunc receives the ordered fragment list of a closed session.
// It runs outside the buffer lock; the eligibility gate is re-evaluated
// downstream, not here.
type FinalizeFunc func(participantID string, taskID int, frags []domain.Fragment)

type session struct {
	taskID    int
	groupKey  string
	epoch     uint64
	cap       int
	frags     []domain.Fragment
	timer     *time.Timer
	startedAt time.Time
}

// Buffer accumulates fragments per participant. At most one session per
// participant exists; a new group key supersedes the old session outright.
type Buffer struct {
	mu        sync.Mutex
	sessions  map[string]*session
	epoch     uint64
	idle      time.Duration
	cap       int
	finalize  FinalizeFunc
	now       func() time.Time
	idleTimer func(d time.Duration, f func()) *time.Timer
}

// New builds a buffer with the given idle window and fragment cap.
func New(idle time.Duration, cap int, finalize FinalizeFunc) *Buffer {
	return &Buffer{
		sessions:  make(map[string]*session),
		idle:      idle,
		cap:       cap,
		finalize:  finalize,
		now:       time.Now,
		idleTimer: time.AfterFunc,
	}
}

// Add appends one fragment to the participant's session, opening or
// superseding a session as needed. When the fragment cap is reached, the
// session finalizes immediately; otherwise the idle timer restarts.
// A cap below 1 falls back to the buffer default. Reports the accumulated
// count and whether this fragment closed the session.
func (b *Buffer) Add(participantID string, taskID int, frag domain.Fragment, groupKey string, cap int) (int, bool) {
	if cap < 1 || cap > b.cap {
		cap = b.cap
	}
	b.mu.Lock()
	s := b.sessions[participantID]
	switch {
	case s == nil:
		s = b.openLocked(participantID, taskID, groupKey, cap)
	case s.taskID != taskID:
		// Participant switched tasks mid-session: the stale accumulation is
		// discarded, not merged.
		b.discardLocked(participantID, s)
		s = b.openLocked(participantID, taskID, groupKey, cap)
	case groupKey != "" && s.groupKey != "" && s.groupKey != groupKey:
		// The platform replaced one batch with another before finalization.
		b.discardLocked(participantID, s)
		s = b.openLocked(participantID, taskID, groupKey, cap)
	case groupKey != "" && s.groupKey == "":
		s.groupKey = groupKey
	}
	s.frags = append(s.frags, frag)
	count := len(s.frags)
	if count >= s.cap {
		frags := b.closeLocked(participantID, s)
		b.mu.Unlock()
		b.finalize(participantID, taskID, frags)
		return count, true
	}
	b.rescheduleLocked(participantID, s)
	b.mu.Unlock()
	return count, false
}

// Finalize closes the participant's session on an explicit terminator.
// With nothing accumulated it returns ErrEmptySubmission and no session
// state changes.
func (b *Buffer) Finalize(participantID string) error {
	b.mu.Lock()
	s := b.sessions[participantID]
	if s == nil || len(s.frags) == 0 {
		b.mu.Unlock()
		return domain.ErrEmptySubmission
	}
	taskID := s.taskID
	frags := b.closeLocked(participantID, s)
	b.mu.Unlock()
	b.finalize(participantID, taskID, frags)
	return nil
}

// Cancel discards the participant's session, if any, with no visible effect.
func (b *Buffer) Cancel(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[participantID]
	if s == nil {
		return false
	}
	b.discardLocked(participantID, s)
	return true
}

// Open reports whether the participant currently has an open session.
func (b *Buffer) Open(participantID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[participantID] != nil
}

func (b *Buffer) openLocked(participantID string, taskID int, groupKey string, cap int) *session {
	b.epoch++
	s := &session{
		taskID:    taskID,
		groupKey:  groupKey,
		epoch:     b.epoch,
		cap:       cap,
		startedAt: b.now(),
	}
	b.sessions[participantID] = s
	return s
}

// closeLocked removes the session and hands back its fragments. Removal
// under the lock is the compare-and-set that makes finalization happen at
// most once per session, however timer fires and explicit terminators race.
func (b *Buffer) closeLocked(participantID string, s *session) []domain.Fragment {
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(b.sessions, participantID)
	return s.frags
}

func (b *Buffer) discardLocked(participantID string, s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(b.sessions, participantID)
}

func (b *Buffer) rescheduleLocked(participantID string, s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	epoch := s.epoch
	count := len(s.frags)
	s.timer = b.idleTimer(b.idle, func() {
		b.fire(participantID, epoch, count)
	})
}

// fire finalizes an idle session. The epoch and count checks drop stale
// fires: a fragment that arrived while the timer was in flight rescheduled
// a newer timer, and a superseded session carries a different epoch.
func (b *Buffer) fire(participantID string, epoch uint64, count int) {
	b.mu.Lock()
	s := b.sessions[participantID]
	if s == nil || s.epoch != epoch || len(s.frags) != count {
		b.mu.Unlock()
		return
	}
	taskID := s.taskID
	frags := b.closeLocked(participantID, s)
	b.mu.Unlock()
	b.finalize(participantID, taskID, frags)
}
