package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reviewline/internal/config"
	"reviewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- curators ---

func (r Repo) InsertCuratorTx(ctx context.Context, tx *sql.Tx, name, channelID string) (domain.Curator, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO curators(name, channel_id) VALUES (?,?)`, name, channelID)
	if err != nil {
		return domain.Curator{}, err
	}
	ordinal, err := res.LastInsertId()
	if err != nil {
		return domain.Curator{}, err
	}
	return domain.Curator{Ordinal: ordinal, Name: name, ChannelID: channelID}, nil
}

func (r Repo) GetCurator(ctx context.Context, ordinal int64) (domain.Curator, error) {
	var c domain.Curator
	err := r.DB.QueryRowContext(ctx, `SELECT ordinal, name, channel_id FROM curators WHERE ordinal=?`, ordinal).
		Scan(&c.Ordinal, &c.Name, &c.ChannelID)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetCuratorByChannel(ctx context.Context, channelID string) (domain.Curator, error) {
	var c domain.Curator
	err := r.DB.QueryRowContext(ctx, `SELECT ordinal, name, channel_id FROM curators WHERE channel_id=?`, channelID).
		Scan(&c.Ordinal, &c.Name, &c.ChannelID)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ListCurators returns the lineup in ring order (ascending ordinal).
func (r Repo) ListCurators(ctx context.Context) ([]domain.Curator, error) {
	return listCurators(ctx, r.DB.QueryContext)
}

func (r Repo) ListCuratorsTx(ctx context.Context, tx *sql.Tx) ([]domain.Curator, error) {
	return listCurators(ctx, tx.QueryContext)
}

func listCurators(ctx context.Context, query func(context.Context, string, ...any) (*sql.Rows, error)) ([]domain.Curator, error) {
	rows, err := query(ctx, `SELECT ordinal, name, channel_id FROM curators ORDER BY ordinal ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Curator
	for rows.Next() {
		var c domain.Curator
		if err := rows.Scan(&c.Ordinal, &c.Name, &c.ChannelID); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteCuratorTx(ctx context.Context, tx *sql.Tx, ordinal int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM curators WHERE ordinal=?`, ordinal)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReassignParticipantsTx moves every participant of one curator to another.
func (r Repo) ReassignParticipantsTx(ctx context.Context, tx *sql.Tx, from, to int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET curator_ordinal=? WHERE curator_ordinal=?`, to, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- participants ---

func (r Repo) InsertParticipantTx(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO participants(channel_id, name, grp, curator_ordinal, points, created_at) VALUES (?,?,?,?,?,?)`,
		p.ChannelID, p.Name, p.Group, nullableInt64Ptr(p.CuratorOrdinal), p.Points, p.CreatedAt)
	return err
}

func (r Repo) GetParticipant(ctx context.Context, channelID string) (domain.Participant, error) {
	return scanParticipant(r.DB.QueryRowContext(ctx,
		`SELECT channel_id, name, grp, curator_ordinal, points, created_at FROM participants WHERE channel_id=?`, channelID))
}

func (r Repo) GetParticipantTx(ctx context.Context, tx *sql.Tx, channelID string) (domain.Participant, error) {
	return scanParticipant(tx.QueryRowContext(ctx,
		`SELECT channel_id, name, grp, curator_ordinal, points, created_at FROM participants WHERE channel_id=?`, channelID))
}

func scanParticipant(row *sql.Row) (domain.Participant, error) {
	var p domain.Participant
	var ordinal sql.NullInt64
	err := row.Scan(&p.ChannelID, &p.Name, &p.Group, &ordinal, &p.Points, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if ordinal.Valid {
		p.CuratorOrdinal = &ordinal.Int64
	}
	return p, nil
}

type ParticipantFilters struct {
	CuratorOrdinal *int64
	Group          string
}

func (r Repo) ListParticipants(ctx context.Context, f ParticipantFilters) ([]domain.Participant, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.CuratorOrdinal != nil {
		clauses = append(clauses, "curator_ordinal=?")
		args = append(args, *f.CuratorOrdinal)
	}
	if f.Group != "" {
		clauses = append(clauses, "grp=?")
		args = append(args, f.Group)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT channel_id, name, grp, curator_ordinal, points, created_at FROM participants `+where+` ORDER BY created_at ASC, channel_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var ordinal sql.NullInt64
		if err := rows.Scan(&p.ChannelID, &p.Name, &p.Group, &ordinal, &p.Points, &p.CreatedAt); err != nil {
			return nil, err
		}
		if ordinal.Valid {
			p.CuratorOrdinal = &ordinal.Int64
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// AddPointsTx increments a participant's total in place.
func (r Repo) AddPointsTx(ctx context.Context, tx *sql.Tx, channelID string, delta int) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE participants SET points = points + ? WHERE channel_id=?`, delta, channelID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var points int
	if err := tx.QueryRowContext(ctx, `SELECT points FROM participants WHERE channel_id=?`, channelID).Scan(&points); err != nil {
		return 0, err
	}
	return points, nil
}

// SetPoints is the explicit admin correction path; it bypasses the
// monotonic-increment rule on purpose.
func (r Repo) SetPoints(ctx context.Context, channelID string, points int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE participants SET points=? WHERE channel_id=?`, points, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- meta ---

func (r Repo) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) GetMetaTx(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

// CompareAndSetMetaTx updates the key only if it still holds old; reports
// whether the swap happened. An empty old means "insert if absent".
func (r Repo) CompareAndSetMetaTx(ctx context.Context, tx *sql.Tx, key, old, new string) (bool, error) {
	if old == "" {
		res, err := tx.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES (?,?) ON CONFLICT(key) DO NOTHING`, key, new)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE meta SET value=? WHERE key=? AND value=?`, new, key, old)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DeleteMetaTx(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key=?`, key)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- contest config ---

func (r Repo) UpsertContestConfig(ctx context.Context, cfg *config.Config) error {
	return upsertContestConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertContestConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertContestConfig(ctx, nil, tx, cfg)
}

func upsertContestConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToJSON()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO contest_configs(id, config_json, created_at, updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetContestConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM contest_configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromJSON([]byte(payload))
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
