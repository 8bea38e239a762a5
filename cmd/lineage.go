package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/seed-platform/seedctl/internal/lineage"
	"github.com/seed-platform/seedctl/internal/model"
	"github.com/seed-platform/seedctl/internal/store"
)

var lineageCmd = &cobra.Command{
	Use:   "lineage <entity-id>",
	Short: "Show the states kept as an entity's memorable history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		entityID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "lineage: invalid entity id %q", args[0])
		}

		kindFlag, _ := cmd.Flags().GetString("kind")
		kind, err := model.ParseEntityKind(kindFlag)
		if err != nil {
			return err
		}

		depth := cfg.Prune.Depth
		if cmd.Flags().Changed("depth") {
			depth, _ = cmd.Flags().GetInt("depth")
			if depth < 1 {
				return eris.Errorf("lineage: --depth must be at least 1, got %d", depth)
			}
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var (
			hist  *lineage.History
			graph *lineage.Graph
		)
		err = st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			sel := lineage.NewSelector(tx, model.Scope{Kind: kind}, depth)
			var err error
			if hist, err = sel.StatesInMemorableHistory(ctx, model.Entity{ID: entityID, Kind: kind}); err != nil {
				return err
			}
			graph, err = sel.Graph(ctx)
			return err
		})
		if err != nil {
			return eris.Wrap(err, "lineage")
		}

		formatHistory(cmd.OutOrStdout(), hist, graph)
		return nil
	},
}

// formatHistory writes one row per kept state, newest first.
func formatHistory(out io.Writer, hist *lineage.History, g *lineage.Graph) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STATE\tAUDIT\tNAME\tPARENT_STATES\tCURRENT")
	_, _ = fmt.Fprintln(w, "-----\t-----\t----\t-------------\t-------")

	ids := hist.StateIDs.Sorted()
	for i := len(ids) - 1; i >= 0; i-- {
		stateID := ids[i]
		node, ok := g.NodeForState(stateID)
		if !ok {
			continue
		}

		var parents []string
		for _, p := range node.Parents() {
			if pn, ok := g.Node(p); ok {
				parents = append(parents, strconv.FormatInt(pn.StateID, 10))
			}
		}

		current := ""
		if stateID == hist.HeadStateID {
			current = "*"
		}

		_, _ = fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n",
			stateID,
			node.ID,
			node.Name,
			strings.Join(parents, ","),
			current,
		)
	}
	_ = w.Flush()
}

func init() {
	lineageCmd.Flags().String("kind", string(model.KindProperty), "entity kind (property or taxlot)")
	lineageCmd.Flags().Int("depth", 0, "generations of audit history (default from prune.depth)")
	rootCmd.AddCommand(lineageCmd)
}
