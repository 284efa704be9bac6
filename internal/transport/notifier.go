// Package transport is the boundary to the conversational channel. The
// channel itself (message delivery, inline buttons, command parsing) lives
// outside this module; the router translates its typed inbound events into
// engine and buffer calls, and the Notifier interface carries everything
// going the other way.
package transport

import (
	"context"
	"log/slog"

	"reviewline/internal/catalog"
	"reviewline/internal/domain"
)

// Rendering is a submission prepared for curator review: a caption block
// plus the media fragments the channel should attach.
type Rendering struct {
	SubmissionID string            `json:"submission_id"`
	Text         string            `json:"text"`
	Media        []domain.Fragment `json:"media,omitempty"`
}

// Action is one inline button offered alongside a review rendering.
type Action struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// Notifier delivers outbound messages. Implementations wrap the actual
// channel; delivery is at-most-once and failures never roll back state.
type Notifier interface {
	Notify(ctx context.Context, recipientID, message string) error
	PresentForReview(ctx context.Context, curatorID string, r Rendering, actions []Action) error
	PresentTaskList(ctx context.Context, participantID string, tasks []catalog.Task) error
}

// LogNotifier records outbound traffic on a slog.Logger. It backs the CLI
// and any deployment where the channel bridge polls the API instead of
// receiving pushes.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default()
}

func (n LogNotifier) Notify(ctx context.Context, recipientID, message string) error {
	n.logger().InfoContext(ctx, "notify", "recipient", recipientID, "message", message)
	return nil
}

func (n LogNotifier) PresentForReview(ctx context.Context, curatorID string, r Rendering, actions []Action) error {
	commands := make([]string, len(actions))
	for i, a := range actions {
		commands[i] = a.Command
	}
	n.logger().InfoContext(ctx, "present for review",
		"curator", curatorID, "submission", r.SubmissionID, "text", r.Text, "media", len(r.Media), "actions", commands)
	return nil
}

func (n LogNotifier) PresentTaskList(ctx context.Context, participantID string, tasks []catalog.Task) error {
	ids := make([]int, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	n.logger().InfoContext(ctx, "present task list", "participant", participantID, "tasks", ids)
	return nil
}

func reviewActions(submissionID string) []Action {
	return []Action{
		{Label: "Accept", Command: "accept:" + submissionID},
		{Label: "Reject", Command: "reject:" + submissionID},
	}
}
