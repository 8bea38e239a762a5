package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/seed-platform/seedctl/internal/fixture"
	"github.com/seed-platform/seedctl/internal/store"
)

var fixtureCmd = &cobra.Command{
	Use:   "fixture",
	Short: "Load lineage fixtures",
}

var fixtureLoadCmd = &cobra.Command{
	Use:   "load <file.yaml>",
	Short: "Insert the cycles, entities, states and views described in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		doc, err := fixture.LoadFile(args[0])
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var refs *fixture.Refs
		err = st.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			refs, err = fixture.Apply(ctx, tx, doc)
			return err
		})
		if err != nil {
			return eris.Wrap(err, "fixture load")
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "loaded %d cycles, %d entities, %d states from %s\n",
			len(refs.Cycles), len(refs.Entities), len(refs.States), args[0])
		return nil
	},
}

func init() {
	fixtureCmd.AddCommand(fixtureLoadCmd)
	rootCmd.AddCommand(fixtureCmd)
}
