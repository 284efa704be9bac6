package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"reviewline/internal/domain"
)

func TestWriteCSV(t *testing.T) {
	rows := []domain.StandingsRow{
		{Rank: 1, Name: "Pat", Group: "A", Points: 5, AcceptedTasks: []int{2, 5}},
		{Rank: 1, Name: "Sam, Jr.", Group: "B", Points: 5, AcceptedTasks: []int{1, 9}},
		{Rank: 3, Name: "Lee", Group: "A", Points: 1, AcceptedTasks: []int{3}},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("write: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want header + 3", len(records))
	}
	if got := strings.Join(records[0], ","); got != "rank,name,group,points,accepted_tasks" {
		t.Fatalf("header = %q", got)
	}
	// comma in a name survives the round trip
	if records[2][1] != "Sam, Jr." {
		t.Fatalf("name = %q", records[2][1])
	}
	if records[1][4] != "2 5" {
		t.Fatalf("accepted tasks = %q", records[1][4])
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []domain.StandingsRow{
		{Rank: 1, Name: "Pat", Group: "A", Points: 5, AcceptedTasks: []int{2}},
	})
	out := buf.String()
	if !strings.Contains(out, "Pat") || !strings.Contains(out, "RANK") {
		t.Fatalf("table output = %q", out)
	}
}
