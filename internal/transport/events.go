package transport

// Inbound events from the conversational channel. The set is closed; the
// router dispatches on the concrete type.

type Registered struct {
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Group         string `json:"group"`
}

type TaskChosen struct {
	ParticipantID string `json:"participant_id"`
	TaskID        int    `json:"task_id"`
}

type FragmentReceived struct {
	ParticipantID string `json:"participant_id"`
	Kind          string `json:"kind"`
	Ref           string `json:"ref,omitempty"`
	Text          string `json:"text,omitempty"`
	Caption       string `json:"caption,omitempty"`
	// GroupKey is set by the channel when fragments arrive as one batch.
	GroupKey string `json:"group_key,omitempty"`
}

type FinalizeRequested struct {
	ParticipantID string `json:"participant_id"`
}

type CancelRequested struct {
	ParticipantID string `json:"participant_id"`
}

type CuratorDecision struct {
	CuratorID    string `json:"curator_id"`
	SubmissionID string `json:"submission_id"`
	Accept       bool   `json:"accept"`
	Reason       string `json:"reason,omitempty"`
}

type CuratorAdvanceRequested struct {
	CuratorID string `json:"curator_id"`
}

type CuratorAdded struct {
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	// InviteToken, when set, authorizes the join instead of admin identity.
	InviteToken string `json:"invite_token,omitempty"`
	ActorID     string `json:"actor_id"`
}

type CuratorRemoved struct {
	ChannelID string `json:"channel_id"`
	ActorID   string `json:"actor_id"`
}
