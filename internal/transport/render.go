package transport

import (
	"fmt"
	"strings"

	"reviewline/internal/catalog"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
)

// renderers maps each content kind to its presentation. The set is closed
// alongside catalog.Kinds; an unknown kind falls through to renderGeneric.
var renderers = map[string]func(s domain.Submission) Rendering{
	catalog.KindText:       renderText,
	catalog.KindPhoto:      renderMedia,
	catalog.KindVideo:      renderMedia,
	catalog.KindPhotoText:  renderPhotoText,
	catalog.KindPhotoMulti: renderMedia,
	catalog.KindPhotoVideo: renderMedia,
}

// RenderReviewItem prepares a submission for curator presentation.
func RenderReviewItem(item engine.ReviewItem) Rendering {
	render, ok := renderers[item.Submission.Kind]
	if !ok {
		render = renderGeneric
	}
	r := render(item.Submission)
	header := fmt.Sprintf("Task %d. %s\nFrom participant: %s (id: %s)\nSubmission: %s",
		item.Task.ID, item.Task.Title, item.Participant.Name, item.Participant.ChannelID, item.Submission.ID)
	if r.Text != "" {
		r.Text = header + "\n\n" + r.Text
	} else {
		r.Text = header
	}
	r.SubmissionID = item.Submission.ID
	return r
}

func renderText(s domain.Submission) Rendering {
	var parts []string
	for _, f := range s.Fragments {
		if f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	return Rendering{Text: strings.Join(parts, "\n")}
}

func renderMedia(s domain.Submission) Rendering {
	return Rendering{Media: s.Fragments}
}

func renderPhotoText(s domain.Submission) Rendering {
	var media []domain.Fragment
	var texts []string
	for _, f := range s.Fragments {
		switch f.Kind {
		case "text":
			texts = append(texts, f.Text)
		default:
			media = append(media, f)
			if f.Caption != "" {
				texts = append(texts, f.Caption)
			}
		}
	}
	return Rendering{Text: strings.Join(texts, "\n"), Media: media}
}

func renderGeneric(s domain.Submission) Rendering {
	return Rendering{Media: s.Fragments}
}
