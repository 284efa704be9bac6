package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"reviewline/internal/domain"
)

func (r Repo) InsertSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	frags, err := json.Marshal(s.Fragments)
	if err != nil {
		return fmt.Errorf("marshal fragments: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO submissions(id,participant_id,task_id,status,kind,fragments_json,comment,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ParticipantID, s.TaskID, s.Status, s.Kind, string(frags), nullable(s.Comment), s.CreatedAt, s.UpdatedAt)
	return err
}

const submissionCols = `id,participant_id,task_id,status,kind,fragments_json,COALESCE(comment,''),created_at,updated_at`

func scanSubmission(scan func(...any) error) (domain.Submission, error) {
	var s domain.Submission
	var frags string
	err := scan(&s.ID, &s.ParticipantID, &s.TaskID, &s.Status, &s.Kind, &frags, &s.Comment, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(frags), &s.Fragments); err != nil {
		return s, fmt.Errorf("unmarshal fragments: %w", err)
	}
	return s, nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

// ResolveSubmissionTx moves a submission out of one status with a
// compare-and-set on the current status; it reports whether this call won.
func (r Repo) ResolveSubmissionTx(ctx context.Context, tx *sql.Tx, id, from, to, comment, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, comment=COALESCE(?, comment), updated_at=? WHERE id=? AND status=?`,
		to, nullable(comment), updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasSubmissionWithStatus reports whether any (participant, task) submission
// holds the given status.
func (r Repo) HasSubmissionWithStatus(ctx context.Context, participantID string, taskID int, status string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE participant_id=? AND task_id=? AND status=?`,
		participantID, taskID, status).Scan(&n)
	return n > 0, err
}

func (r Repo) HasSubmissionWithStatusTx(ctx context.Context, tx *sql.Tx, participantID string, taskID int, status string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE participant_id=? AND task_id=? AND status=?`,
		participantID, taskID, status).Scan(&n)
	return n > 0, err
}

// AcceptedSiblingExistsTx reports whether another submission for the same
// (participant, task) already reached accepted.
func (r Repo) AcceptedSiblingExistsTx(ctx context.Context, tx *sql.Tx, participantID string, taskID int, excludeID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE participant_id=? AND task_id=? AND status='accepted' AND id != ?`,
		participantID, taskID, excludeID).Scan(&n)
	return n > 0, err
}

func (r Repo) AcceptedCount(ctx context.Context, participantID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE participant_id=? AND status='accepted'`, participantID).Scan(&n)
	return n, err
}

// AcceptedTaskIDs lists the task ids a participant has had accepted.
func (r Repo) AcceptedTaskIDs(ctx context.Context, participantID string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id FROM submissions WHERE participant_id=? AND status='accepted' ORDER BY task_id ASC`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BlockedTaskIDs lists task ids the participant may not pick right now
// (already accepted or a review is in progress).
func (r Repo) BlockedTaskIDs(ctx context.Context, participantID string) (map[int]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id, status FROM submissions WHERE participant_id=? AND status IN ('pending','accepted')`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]string{}
	for rows.Next() {
		var id int
		var status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		res[id] = status
	}
	return res, rows.Err()
}

// OldestPendingForCurator selects the head of one curator's FIFO queue.
func (r Repo) OldestPendingForCurator(ctx context.Context, ordinal int64) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+prefixedSubmissionCols("s")+`
FROM submissions s
JOIN participants p ON p.channel_id = s.participant_id
WHERE s.status='pending' AND p.curator_ordinal=?
ORDER BY s.created_at ASC, s.id ASC
LIMIT 1`, ordinal)
	return scanSubmission(row.Scan)
}

func prefixedSubmissionCols(alias string) string {
	cols := []string{"id", "participant_id", "task_id", "status", "kind", "fragments_json"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",") + fmt.Sprintf(",COALESCE(%s.comment,''),%s.created_at,%s.updated_at", alias, alias, alias)
}

// CountPendingForCurator sizes one curator's queue.
func (r Repo) CountPendingForCurator(ctx context.Context, ordinal int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions s
JOIN participants p ON p.channel_id = s.participant_id
WHERE s.status='pending' AND p.curator_ordinal=?`, ordinal).Scan(&n)
	return n, err
}

type SubmissionFilters struct {
	ParticipantID string
	TaskID        int
	Status        string
	Limit         int
}

func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ParticipantID != "" {
		clauses = append(clauses, "participant_id=?")
		args = append(args, f.ParticipantID)
	}
	if f.TaskID != 0 {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + submissionCols + ` FROM submissions ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CountByStatus breaks a participant's submissions down by status.
func (r Repo) CountByStatus(ctx context.Context, participantID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions WHERE participant_id=? GROUP BY status`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
