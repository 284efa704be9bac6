// Package catalog holds the static contest task table. It is read-only at
// runtime: task definitions, point values and content-kind requirements are
// configuration, not data.
package catalog

import (
	"fmt"

	"reviewline/internal/domain"
)

// Content kinds a task may require. The set is closed; validation and
// rendering dispatch on it through the Kinds table.
const (
	KindText       = "text"
	KindPhoto      = "photo"
	KindVideo      = "video"
	KindPhotoText  = "photo_text"
	KindPhotoMulti = "photo_multi"
	KindPhotoVideo = "photo_video"
)

// KindSpec describes how a content kind accepts fragments.
type KindSpec struct {
	Kind     string
	Multi    bool
	Cap      int
	Validate func(frags []domain.Fragment) error
}

// Kinds maps every content kind to its spec. Lookup by task kind replaces
// string-compare branching at submission and render time.
var Kinds = map[string]KindSpec{
	KindText:       {Kind: KindText, Cap: 1, Validate: exactly(1, "text")},
	KindPhoto:      {Kind: KindPhoto, Cap: 1, Validate: exactly(1, "photo")},
	KindVideo:      {Kind: KindVideo, Cap: 1, Validate: exactly(1, "video")},
	KindPhotoText:  {Kind: KindPhotoText, Cap: 2, Validate: photoPlusText},
	KindPhotoMulti: {Kind: KindPhotoMulti, Multi: true, Cap: 10, Validate: allOf("photo")},
	KindPhotoVideo: {Kind: KindPhotoVideo, Multi: true, Cap: 10, Validate: allOf("photo", "video")},
}

// Task is one fixed unit of contest work.
type Task struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Kind   string `json:"kind"`
	Points int    `json:"points"`
	// Locked tasks require MinAccepted accepted submissions first.
	Locked      bool `json:"locked,omitempty"`
	MinAccepted int  `json:"min_accepted,omitempty"`
}

// Tasks is the contest lineup. The final task is the only one with an
// unlock precondition.
var Tasks = []Task{
	{ID: 1, Title: "Introduce yourself", Kind: KindPhotoText, Points: 1},
	{ID: 2, Title: "Key facts", Kind: KindText, Points: 1},
	{ID: 3, Title: "Paperwork and beyond", Kind: KindText, Points: 1},
	{ID: 4, Title: "Celebration days", Kind: KindPhotoText, Points: 1},
	{ID: 5, Title: "A frame to remember", Kind: KindPhoto, Points: 2},
	{ID: 6, Title: "Photo with a star", Kind: KindPhoto, Points: 2},
	{ID: 7, Title: "Networking", Kind: KindPhotoMulti, Points: 2},
	{ID: 8, Title: "Red-letter days", Kind: KindPhoto, Points: 2},
	{ID: 9, Title: "Shine for others", Kind: KindVideo, Points: 3},
	{ID: 10, Title: "My favourite thing", Kind: KindVideo, Points: 3},
	{ID: 11, Title: "Broaden the horizon", Kind: KindVideo, Points: 3},
	{ID: 12, Title: "Chart the route", Kind: KindVideo, Points: 3},
	{ID: 13, Title: "Super task", Kind: KindPhotoVideo, Points: 10, Locked: true, MinAccepted: 3},
}

// ByID returns the task with the given id.
func ByID(id int) (Task, error) {
	for _, t := range Tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("task %d not found", id)
}

// Spec returns the kind spec for a task kind.
func Spec(kind string) (KindSpec, error) {
	s, ok := Kinds[kind]
	if !ok {
		return KindSpec{}, fmt.Errorf("unknown content kind %s", kind)
	}
	return s, nil
}

func exactly(n int, kind string) func([]domain.Fragment) error {
	return func(frags []domain.Fragment) error {
		if len(frags) != n {
			return fmt.Errorf("%w: expected %d %s fragment(s), got %d", domain.ErrWrongKind, n, kind, len(frags))
		}
		for _, f := range frags {
			if f.Kind != kind {
				return fmt.Errorf("%w: expected %s, got %s", domain.ErrWrongKind, kind, f.Kind)
			}
		}
		return nil
	}
}

func photoPlusText(frags []domain.Fragment) error {
	var photos, texts int
	for _, f := range frags {
		switch f.Kind {
		case "photo":
			photos++
		case "text":
			texts++
		default:
			return fmt.Errorf("%w: %s not allowed here", domain.ErrWrongKind, f.Kind)
		}
	}
	// A captioned photo counts as photo+text in one fragment.
	if photos == 1 && texts == 0 && frags[0].Caption != "" {
		return nil
	}
	if photos != 1 || texts != 1 {
		return fmt.Errorf("%w: expected one photo and one text", domain.ErrWrongKind)
	}
	return nil
}

func allOf(kinds ...string) func([]domain.Fragment) error {
	allowed := map[string]bool{}
	for _, k := range kinds {
		allowed[k] = true
	}
	return func(frags []domain.Fragment) error {
		if len(frags) == 0 {
			return domain.ErrEmptySubmission
		}
		for _, f := range frags {
			if !allowed[f.Kind] {
				return fmt.Errorf("%w: %s not allowed here", domain.ErrWrongKind, f.Kind)
			}
		}
		return nil
	}
}
