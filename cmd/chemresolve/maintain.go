package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/chemresolve/internal/match"
)

func newSnapshotCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save, list and restore semantic index snapshots",
	}

	var label string
	save := &cobra.Command{
		Use:   "save",
		Short: "Save the current semantic index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{catalog: true})
			if err != nil {
				return err
			}
			defer a.Close()

			meta, err := a.engine.Snapshot(cmd.Context(), label)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(meta)
			}
			fmt.Fprintf(a.out, "Saved snapshot %s (%d vectors, %s, %d bytes)\n", meta.ID, meta.Vectors, meta.Model, meta.CompressedSize)
			return nil
		},
	}
	save.Flags().StringVar(&label, "label", "", "Free-form label")

	restore := &cobra.Command{
		Use:   "restore [id]",
		Short: "Replace the semantic index with a snapshot (default: latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{catalog: true})
			if err != nil {
				return err
			}
			defer a.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			meta, err := a.engine.Restore(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(meta)
			}
			fmt.Fprintf(a.out, "Restored snapshot %s (%d vectors), index generation %d\n", meta.ID, meta.Vectors, a.engine.Generation())
			return nil
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{catalog: true})
			if err != nil {
				return err
			}
			defer a.Close()

			metas, err := a.catalog.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(metas)
			}
			if len(metas) == 0 {
				fmt.Fprintln(a.out, "No snapshots.")
				return nil
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tMODEL\tVECTORS\tTHRESHOLDS\tLABEL")
			for _, m := range metas {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\tv%d\t%s\n",
					m.ID, m.CreatedAt.Local().Format(time.DateTime), m.Model, m.Vectors, m.ThresholdVersion, orDash(m.Label))
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum snapshots to list")

	cmd.AddCommand(save, restore, list)
	return cmd
}

func newRepairCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Rebuild every index from the store",
		Long: `Rebuild the exact, fuzzy and semantic indexes from the store, embedding
any synonym that lacks a vector for the current model. Clears a pending
index inconsistency so ingestion can resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.engine.Repair(cmd.Context())
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(rep)
			}
			fmt.Fprintf(a.out, "Rebuilt %d synonyms, %d vectors in %s (generation %d)\n",
				rep.Synonyms, rep.Vectors, rep.Duration.Round(time.Millisecond), rep.Generation)
			if rep.Cleared {
				fmt.Fprintln(a.out, "Cleared pending index inconsistency.")
			}
			return nil
		},
	}
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the semantic index against the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.engine.CheckConsistency(cmd.Context())
			if err != nil && !errors.Is(err, match.ErrIndexInconsistency) {
				return err
			}
			if a.json {
				if perr := a.printJSON(rep); perr != nil {
					return perr
				}
				return err
			}

			fmt.Fprintf(a.out, "Model:        %s\n", rep.Model)
			fmt.Fprintf(a.out, "Store:        %d vectors\n", rep.StoreVectors)
			fmt.Fprintf(a.out, "Index:        %d vectors (generation %d)\n", rep.IndexVectors, rep.Generation)
			if rep.Consistent {
				fmt.Fprintln(a.out, "Consistent:   yes")
				return nil
			}
			fmt.Fprintln(a.out, "Consistent:   no")
			if n := len(rep.MissingFromIdx); n > 0 {
				fmt.Fprintf(a.out, "  %d vectors missing from the index\n", n)
			}
			if n := len(rep.UnknownToStore); n > 0 {
				fmt.Fprintf(a.out, "  %d index entries unknown to the store\n", n)
			}
			fmt.Fprintln(a.out, `Run "chemresolve repair" to rebuild.`)
			return err
		},
	}
}
