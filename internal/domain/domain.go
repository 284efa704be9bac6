package domain

// Curator reviews the submissions of the participants assigned to them.
// Ordinals are assigned monotonically and never reused within a lineup.
type Curator struct {
	Ordinal   int64  `json:"ordinal"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
}

// Participant is a contest entrant keyed by their channel identity.
// CuratorOrdinal is nil while no curator has been assigned; that state is
// legitimate but blocks submissions.
type Participant struct {
	ChannelID      string `json:"channel_id"`
	Name           string `json:"name"`
	Group          string `json:"group"`
	CuratorOrdinal *int64 `json:"curator_ordinal,omitempty"`
	Points         int    `json:"points"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

// Submission statuses. Accepted, rejected and duplicate are terminal.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
)

// Fragment is one unit of evidence: a text body, or a reference to an
// uploaded photo or video on the transport side.
type Fragment struct {
	Kind    string `json:"kind" enum:"text,photo,video"`
	Ref     string `json:"ref,omitempty"`
	Caption string `json:"caption,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Submission is one attempt by a participant to satisfy a task.
type Submission struct {
	ID            string     `json:"id"`
	ParticipantID string     `json:"participant_id"`
	TaskID        int        `json:"task_id"`
	Status        string     `json:"status" enum:"pending,accepted,rejected,duplicate"`
	Kind          string     `json:"kind"`
	Fragments     []Fragment `json:"fragments"`
	Comment       string     `json:"comment,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the status may never change again.
func Terminal(status string) bool {
	switch status {
	case StatusAccepted, StatusRejected, StatusDuplicate:
		return true
	}
	return false
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// StandingsRow is one ranked line of the contest standings. Participants
// with equal points share a rank.
type StandingsRow struct {
	Rank          int    `json:"rank"`
	Name          string `json:"name"`
	Group         string `json:"group"`
	Points        int    `json:"points"`
	AcceptedTasks []int  `json:"accepted_tasks"`
}

// CuratorLoad reports how many submissions wait in one curator's queue.
type CuratorLoad struct {
	Curator Curator `json:"curator"`
	Pending int     `json:"pending"`
}
