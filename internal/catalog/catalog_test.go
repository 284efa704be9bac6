package catalog

import (
	"errors"
	"testing"

	"reviewline/internal/domain"
)

func TestLineupIsConsistent(t *testing.T) {
	seen := map[int]bool{}
	for _, task := range Tasks {
		if seen[task.ID] {
			t.Fatalf("duplicate task id %d", task.ID)
		}
		seen[task.ID] = true
		if _, err := Spec(task.Kind); err != nil {
			t.Fatalf("task %d: %v", task.ID, err)
		}
		if task.Points <= 0 {
			t.Fatalf("task %d has no points", task.ID)
		}
		if task.Locked && task.MinAccepted <= 0 {
			t.Fatalf("task %d locked without an unlock threshold", task.ID)
		}
	}
	if _, err := ByID(99); err == nil {
		t.Fatal("unknown id accepted")
	}
}

func TestKindValidation(t *testing.T) {
	text := domain.Fragment{Kind: "text", Text: "hi"}
	photo := domain.Fragment{Kind: "photo", Ref: "f1"}
	video := domain.Fragment{Kind: "video", Ref: "v1"}
	captioned := domain.Fragment{Kind: "photo", Ref: "f2", Caption: "story"}

	cases := []struct {
		name  string
		kind  string
		frags []domain.Fragment
		ok    bool
	}{
		{"text single", KindText, []domain.Fragment{text}, true},
		{"text rejects photo", KindText, []domain.Fragment{photo}, false},
		{"text rejects pair", KindText, []domain.Fragment{text, text}, false},
		{"photo single", KindPhoto, []domain.Fragment{photo}, true},
		{"video single", KindVideo, []domain.Fragment{video}, true},
		{"photo_text pair", KindPhotoText, []domain.Fragment{photo, text}, true},
		{"photo_text captioned shortcut", KindPhotoText, []domain.Fragment{captioned}, true},
		{"photo_text bare photo", KindPhotoText, []domain.Fragment{photo}, false},
		{"photo_text video", KindPhotoText, []domain.Fragment{video, text}, false},
		{"photo_multi batch", KindPhotoMulti, []domain.Fragment{photo, photo, photo}, true},
		{"photo_multi rejects video", KindPhotoMulti, []domain.Fragment{photo, video}, false},
		{"photo_video mix", KindPhotoVideo, []domain.Fragment{photo, video}, true},
		{"photo_video rejects text", KindPhotoVideo, []domain.Fragment{photo, text}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := Spec(tc.kind)
			if err != nil {
				t.Fatal(err)
			}
			err = spec.Validate(tc.frags)
			if tc.ok && err != nil {
				t.Fatalf("unexpected: %v", err)
			}
			if !tc.ok && !errors.Is(err, domain.ErrWrongKind) {
				t.Fatalf("got %v, want ErrWrongKind", err)
			}
		})
	}
}
