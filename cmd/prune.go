package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/seed-platform/seedctl/internal/lineage"
	"github.com/seed-platform/seedctl/internal/model"
	"github.com/seed-platform/seedctl/internal/report"
	"github.com/seed-platform/seedctl/internal/store"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete states outside every entity's memorable history",
	Long: "Computes the keeper set for each kind (every state referenced by a view, plus the " +
		"latest view's state and its audit ancestors within --depth generations) and deletes " +
		"every other state. Nothing is deleted unless the keeper set was computed for every entity.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		settings, err := pruneSettingsFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pruner := lineage.NewPruner(store.LineageTx(st)).WithRecorder(st)
		results, err := pruner.PruneKinds(ctx, settings.kinds, settings.opts, settings.concurrency)
		if err != nil {
			return eris.Wrap(err, "prune")
		}

		if err := report.WriteTable(cmd.OutOrStdout(), results); err != nil {
			return err
		}

		if settings.reportPath != "" {
			if err := report.WriteXLSX(settings.reportPath, results); err != nil {
				return err
			}
			zap.L().Info("retention report written", zap.String("path", settings.reportPath))
		}
		return nil
	},
}

var pruneHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded prune runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		kindFlag, _ := cmd.Flags().GetString("kind")

		filter := store.PruneRunFilter{Limit: limit}
		if kindFlag != "" {
			kind, err := model.ParseEntityKind(kindFlag)
			if err != nil {
				return err
			}
			filter.Kind = kind
		}

		runs, err := st.ListPruneRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "prune history")
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No prune runs found.")
			return nil
		}

		formatPruneRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

// pruneSettings is the resolved prune configuration after flags override
// the config file.
type pruneSettings struct {
	kinds       []model.EntityKind
	opts        lineage.Options
	concurrency int
	reportPath  string
}

func addPruneFlags(c *cobra.Command) {
	c.Flags().String("kind", "", "entity kind to prune: property, taxlot or all (default from prune.kinds)")
	c.Flags().Int("depth", 0, "generations of audit history kept behind each current state (default from prune.depth)")
	c.Flags().Int64("org", 0, "only prune this organization (default from prune.organization_id, 0 = all)")
	c.Flags().Bool("dry-run", false, "compute the keeper set and report without deleting")
	c.Flags().Int("concurrency", 0, "kinds pruned in parallel (default from prune.concurrency)")
	c.Flags().String("report", "", "write an XLSX retention report to this path")
}

func pruneSettingsFromFlags(c *cobra.Command) (*pruneSettings, error) {
	flags := c.Flags()

	kinds, err := cfg.Prune.EntityKinds()
	if err != nil {
		return nil, err
	}
	if kindFlag, _ := flags.GetString("kind"); kindFlag != "" {
		if kindFlag == "all" {
			kinds = model.AllKinds
		} else {
			k, err := model.ParseEntityKind(kindFlag)
			if err != nil {
				return nil, err
			}
			kinds = []model.EntityKind{k}
		}
	}

	s := &pruneSettings{
		kinds: kinds,
		opts: lineage.Options{
			Scope:  model.Scope{OrganizationID: cfg.Prune.OrganizationID},
			Depth:  cfg.Prune.Depth,
			DryRun: cfg.Prune.DryRun,
		},
		concurrency: cfg.Prune.Concurrency,
	}

	if flags.Changed("depth") {
		depth, _ := flags.GetInt("depth")
		if depth < 1 {
			return nil, eris.Errorf("prune: --depth must be at least 1, got %d", depth)
		}
		s.opts.Depth = depth
	}
	if flags.Changed("org") {
		org, _ := flags.GetInt64("org")
		if org < 0 {
			return nil, eris.Errorf("prune: --org must not be negative, got %d", org)
		}
		s.opts.Scope.OrganizationID = org
	}
	if flags.Changed("dry-run") {
		s.opts.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("concurrency") {
		n, _ := flags.GetInt("concurrency")
		if n < 1 {
			return nil, eris.Errorf("prune: --concurrency must be at least 1, got %d", n)
		}
		s.concurrency = n
	}
	s.reportPath, _ = flags.GetString("report")

	return s, nil
}

// formatPruneRuns writes a tabular list of prune runs to out.
func formatPruneRuns(out io.Writer, runs []model.PruneRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tORG\tDEPTH\tSTATUS\tTOTAL\tKEPT\tDELETED\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t---\t-----\t------\t-----\t----\t-------\t-------\t--------")

	for _, r := range runs {
		status := string(r.Status)
		if r.DryRun {
			status += " (dry run)"
		}

		dur := ""
		if r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}

		org := "all"
		if r.OrganizationID != 0 {
			org = fmt.Sprint(r.OrganizationID)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Kind,
			org,
			r.Depth,
			status,
			r.TotalStates,
			r.KeptStates,
			r.DeletedStates,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	addPruneFlags(pruneCmd)

	pruneHistoryCmd.Flags().Int("limit", 50, "max number of runs to display")
	pruneHistoryCmd.Flags().String("kind", "", "filter by entity kind")

	pruneCmd.AddCommand(pruneHistoryCmd)
	rootCmd.AddCommand(pruneCmd)
}
