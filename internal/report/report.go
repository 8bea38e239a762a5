// Package report renders prune results as a terminal table or an XLSX
// workbook with a summary sheet and a per-entity retention sheet.
package report

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/seed-platform/seedctl/internal/lineage"
)

const (
	SummarySheet  = "summary"
	EntitiesSheet = "entities"
)

// SummaryHeader is the header row of the summary sheet.
var SummaryHeader = []string{"kind", "organization_id", "depth", "dry_run", "total_states", "kept", "deleted", "viewed", "duration"}

// EntityHeader is the header row of the entities sheet.
var EntityHeader = []string{"kind", "entity_id", "head_state_id", "memorable_states", "state_ids"}

// SummaryRow flattens one result into the summary columns.
func SummaryRow(r *lineage.Result) []string {
	viewed := 0
	if r.Keepers != nil {
		viewed = r.Keepers.Viewed.Len()
	}
	return []string{
		string(r.Scope.Kind),
		orgLabel(r.Scope.OrganizationID),
		strconv.Itoa(r.Depth),
		strconv.FormatBool(r.DryRun),
		strconv.FormatInt(r.TotalStates, 10),
		strconv.FormatInt(r.Kept, 10),
		strconv.FormatInt(r.Deleted, 10),
		strconv.Itoa(viewed),
		r.Duration.Round(time.Millisecond).String(),
	}
}

// EntityRows returns one row per entity history, ordered by entity ID.
func EntityRows(r *lineage.Result) [][]string {
	if r.Keepers == nil {
		return nil
	}

	histories := slices.Clone(r.Keepers.Histories)
	slices.SortFunc(histories, func(a, b lineage.History) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})

	rows := make([][]string, 0, len(histories))
	for _, h := range histories {
		ids := h.StateIDs.Sorted()
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		rows = append(rows, []string{
			string(r.Scope.Kind),
			strconv.FormatInt(h.EntityID, 10),
			strconv.FormatInt(h.HeadStateID, 10),
			strconv.Itoa(len(ids)),
			strings.Join(parts, " "),
		})
	}
	return rows
}

// WriteXLSX saves results to path as a workbook.
func WriteXLSX(path string, results []*lineage.Result) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet(SummarySheet)
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	entities, err := f.AddSheet(EntitiesSheet)
	if err != nil {
		return eris.Wrap(err, "report: add entities sheet")
	}

	addRow(summary, SummaryHeader)
	addRow(entities, EntityHeader)
	for _, r := range results {
		addRow(summary, SummaryRow(r))
		for _, row := range EntityRows(r) {
			addRow(entities, row)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

// WriteTable writes a summary table of results to out.
func WriteTable(out io.Writer, results []*lineage.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KIND\tORG\tDEPTH\tTOTAL\tKEPT\tDELETED\tDURATION")
	_, _ = fmt.Fprintln(w, "----\t---\t-----\t-----\t----\t-------\t--------")

	for _, r := range results {
		deleted := strconv.FormatInt(r.Deleted, 10)
		if r.DryRun {
			deleted += " (dry run)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.Scope.Kind,
			orgLabel(r.Scope.OrganizationID),
			r.Depth,
			r.TotalStates,
			r.Kept,
			deleted,
			r.Duration.Round(time.Millisecond),
		)
	}
	return eris.Wrap(w.Flush(), "report: flush table")
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, v := range cells {
		row.AddCell().SetString(v)
	}
}

func orgLabel(id int64) string {
	if id == 0 {
		return "all"
	}
	return strconv.FormatInt(id, 10)
}
