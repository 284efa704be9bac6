// Package export renders standings for humans and spreadsheets.
package export

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"reviewline/internal/domain"
)

// WriteCSV streams standings as CSV. Accepted task IDs are joined with
// spaces so the column stays a single cell.
func WriteCSV(w io.Writer, rows []domain.StandingsRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"rank", "name", "group", "points", "accepted_tasks"}); err != nil {
		return err
	}
	for _, row := range rows {
		rec := []string{
			strconv.Itoa(row.Rank),
			row.Name,
			row.Group,
			strconv.Itoa(row.Points),
			joinTaskIDs(row.AcceptedTasks),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes standings to path, creating or truncating it.
func WriteCSVFile(path string, rows []domain.StandingsRow) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RenderTable writes standings as a text table.
func RenderTable(w io.Writer, rows []domain.StandingsRow) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Rank", "Name", "Group", "Points", "Accepted"})
	for _, row := range rows {
		tw.AppendRow(table.Row{row.Rank, row.Name, row.Group, row.Points, joinTaskIDs(row.AcceptedTasks)})
	}
	tw.Render()
}

func joinTaskIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " ")
}
