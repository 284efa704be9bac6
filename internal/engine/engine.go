// Package engine implements the contest review workflow: curator
// scheduling, the submission eligibility gate, the review queue dispatcher
// and the decision processor. Every mutating operation is one transaction
// against the state store; conditional updates carry the invariants.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"reviewline/internal/catalog"
	"reviewline/internal/config"
	"reviewline/internal/domain"
	"reviewline/internal/events"
	"reviewline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitContest seeds the stored contest configuration.
func (e Engine) InitContest(ctx context.Context, name, actorID string) error {
	if name == "" {
		name = "contest"
	}
	cfg := config.Default(name)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertContestConfigTx(ctx, tx, cfg); err != nil {
		return fmt.Errorf("seed contest config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "contest.init", "contest", name, actorID, events.EventPayload{"name": name}); err != nil {
		return err
	}
	return tx.Commit()
}

// RegisterParticipant creates a participant and binds them to a curator
// chosen by the round-robin scheduler. With an empty curator lineup the
// registration is rejected outright so no submission can ever become
// unroutable.
func (e Engine) RegisterParticipant(ctx context.Context, channelID, name, group string) (domain.Participant, domain.Curator, error) {
	if channelID == "" || name == "" {
		return domain.Participant{}, domain.Curator{}, errors.New("channel_id and name required")
	}
	if _, err := e.Repo.GetParticipant(ctx, channelID); err == nil {
		return domain.Participant{}, domain.Curator{}, domain.ErrAlreadyRegistered
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Participant{}, domain.Curator{}, err
	}

	// The cursor advance commits before the participant row exists: a crash
	// in between skips at most one rotation slot, never double-assigns one.
	curator, err := e.AssignNextCurator(ctx)
	if err != nil {
		return domain.Participant{}, domain.Curator{}, err
	}
	if curator == nil {
		return domain.Participant{}, domain.Curator{}, domain.ErrNoCuratorAssigned
	}

	p := domain.Participant{
		ChannelID:      channelID,
		Name:           name,
		Group:          group,
		CuratorOrdinal: &curator.Ordinal,
		CreatedAt:      e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, domain.Curator{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertParticipantTx(ctx, tx, p); err != nil {
		return domain.Participant{}, domain.Curator{}, fmt.Errorf("insert participant: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "participant.registered", "participant", channelID, channelID, events.EventPayload{
		"name":    name,
		"group":   group,
		"curator": curator.Ordinal,
	}); err != nil {
		return domain.Participant{}, domain.Curator{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Participant{}, domain.Curator{}, err
	}
	return p, *curator, nil
}

// CheckEligibility is the submission gate. It is a pure read of current
// state and is re-evaluated on every attempt, never cached.
func (e Engine) CheckEligibility(ctx context.Context, participantID string, taskID int) error {
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ErrNotRegistered
		}
		return err
	}
	if p.CuratorOrdinal == nil {
		return domain.ErrNoCuratorAssigned
	}
	t, err := catalog.ByID(taskID)
	if err != nil {
		return err
	}
	if t.Locked {
		n, err := e.Repo.AcceptedCount(ctx, participantID)
		if err != nil {
			return err
		}
		if n < t.MinAccepted {
			return fmt.Errorf("%w: requires %d accepted tasks, have %d", domain.ErrTaskLocked, t.MinAccepted, n)
		}
	}
	accepted, err := e.Repo.HasSubmissionWithStatus(ctx, participantID, taskID, domain.StatusAccepted)
	if err != nil {
		return err
	}
	if accepted {
		return domain.ErrAlreadyAccepted
	}
	pending, err := e.Repo.HasSubmissionWithStatus(ctx, participantID, taskID, domain.StatusPending)
	if err != nil {
		return err
	}
	if pending {
		return domain.ErrReviewInProgress
	}
	return nil
}

// AvailableTasks lists the tasks a participant may still pick: accepted and
// in-review tasks are hidden, the unlock-gated task appears only once open.
func (e Engine) AvailableTasks(ctx context.Context, participantID string) ([]catalog.Task, error) {
	if _, err := e.Repo.GetParticipant(ctx, participantID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, domain.ErrNotRegistered
		}
		return nil, err
	}
	blocked, err := e.Repo.BlockedTaskIDs(ctx, participantID)
	if err != nil {
		return nil, err
	}
	acceptedCount, err := e.Repo.AcceptedCount(ctx, participantID)
	if err != nil {
		return nil, err
	}
	var res []catalog.Task
	for _, t := range catalog.Tasks {
		if _, ok := blocked[t.ID]; ok {
			continue
		}
		if t.Locked && acceptedCount < t.MinAccepted {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

// Profile summarises one participant's standing.
type Profile struct {
	Participant domain.Participant `json:"participant"`
	Curator     *domain.Curator    `json:"curator,omitempty"`
	Accepted    int                `json:"accepted"`
	Pending     int                `json:"pending"`
	Rejected    int                `json:"rejected"`
}

func (e Engine) GetProfile(ctx context.Context, participantID string) (Profile, error) {
	p, err := e.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Profile{}, domain.ErrNotRegistered
		}
		return Profile{}, err
	}
	counts, err := e.Repo.CountByStatus(ctx, participantID)
	if err != nil {
		return Profile{}, err
	}
	prof := Profile{
		Participant: p,
		Accepted:    counts[domain.StatusAccepted],
		Pending:     counts[domain.StatusPending],
		Rejected:    counts[domain.StatusRejected],
	}
	if p.CuratorOrdinal != nil {
		if c, err := e.Repo.GetCurator(ctx, *p.CuratorOrdinal); err == nil {
			prof.Curator = &c
		}
	}
	return prof, nil
}

// Standings returns participants ranked by points; equal points share a rank.
func (e Engine) Standings(ctx context.Context) ([]domain.StandingsRow, error) {
	parts, err := e.Repo.ListParticipants(ctx, repo.ParticipantFilters{})
	if err != nil {
		return nil, err
	}
	rows := make([]domain.StandingsRow, 0, len(parts))
	for _, p := range parts {
		tasks, err := e.Repo.AcceptedTaskIDs(ctx, p.ChannelID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, domain.StandingsRow{Name: p.Name, Group: p.Group, Points: p.Points, AcceptedTasks: tasks})
	}
	sortStandings(rows)
	return rows, nil
}

func sortStandings(rows []domain.StandingsRow) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Points > rows[j].Points })
	rank := 1
	for i := range rows {
		if i > 0 && rows[i].Points < rows[i-1].Points {
			rank = i + 1
		}
		rows[i].Rank = rank
	}
}

// CuratorLoads reports pending-queue depth per curator.
func (e Engine) CuratorLoads(ctx context.Context) ([]domain.CuratorLoad, error) {
	curators, err := e.Repo.ListCurators(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.CuratorLoad, 0, len(curators))
	for _, c := range curators {
		n, err := e.Repo.CountPendingForCurator(ctx, c.Ordinal)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.CuratorLoad{Curator: c, Pending: n})
	}
	return res, nil
}
