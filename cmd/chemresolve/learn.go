package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/chemresolve/internal/learn"
	"github.com/hurttlocker/chemresolve/internal/match"
)

func newCalibrateCmd(g *globalFlags) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Recompute cutoffs from validated decisions and activate them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			prev := a.engine.Thresholds()
			next, err := a.engine.Calibrate(cmd.Context(), window)
			if errors.Is(err, match.ErrInsufficientCalibrationData) {
				fmt.Fprintf(a.out, "Not enough validated decisions to calibrate: %v\n", err)
				fmt.Fprintf(a.out, "Thresholds stay at v%d.\n", prev.Version)
				return err
			}
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(next)
			}

			fmt.Fprintf(a.out, "Activated thresholds v%d (was v%d)\n\n", next.Version, prev.Version)
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METHOD\tACCEPT\tREJECT\tPREVIOUS")
			for _, m := range []match.Method{match.MethodFuzzy, match.MethodSemantic} {
				before, after := prev.For(m), next.For(m)
				fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%.3f / %.3f\n", m, after.Accept, after.Reject, before.Accept, before.Reject)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "Only use decisions from this far back, e.g. 720h (default: all)")
	return cmd
}

func newAssessCmd(g *globalFlags) *cobra.Command {
	var (
		window    time.Duration
		retrained bool
	)
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Assess whether the embedding model should be retrained",
		Long: `Evaluate the retraining triggers over the decision log: validated volume
since the last retraining, a plateau in the unknown rate, the share of
semantic resolutions, and the share of borderline confidences.

After retraining, run "assess --mark-retrained" to reset the volume trigger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if retrained {
				if err := a.engine.MarkRetrained(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Recorded retraining.")
				return nil
			}

			assessment, ws, err := a.engine.AssessRetraining(cmd.Context(), window)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(map[string]any{"assessment": assessment, "window": ws})
			}

			fmt.Fprintf(a.out, "Retraining: %s (%d of %d triggers fired, %d decisions)\n\n",
				assessment.Level, assessment.Fired, len(assessment.Triggers), ws.Total)
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TRIGGER\tFIRED\tVALUE\tTHRESHOLD\tDETAIL")
			for _, t := range assessment.Triggers {
				fmt.Fprintf(tw, "%s\t%v\t%.4f\t%.4f\t%s\n", t.Name, t.Fired, t.Value, t.Threshold, t.Detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "Only use decisions from this far back (default: all)")
	cmd.Flags().BoolVar(&retrained, "mark-retrained", false, "Record that the model was retrained now")
	return cmd
}

func newClusterCmd(g *globalFlags) *cobra.Command {
	var (
		threshold float64
		file      string
	)
	cmd := &cobra.Command{
		Use:   "cluster [text...]",
		Short: "Group spelling variants of unresolved queries for review",
		Long: `Group spelling variants so a reviewer can validate a whole cluster at once.
Texts come from the arguments, from --file (one per line), or by default
from every decision still waiting for review.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := args
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("opening %s: %w", file, err)
				}
				lines, err := readLines(f)
				f.Close()
				if err != nil {
					return err
				}
				texts = append(texts, lines...)
			}

			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			if threshold <= 0 {
				threshold = a.cfg.Settings.Clustering.Similarity
			}
			clusters, err := a.engine.ClusterUnresolved(cmd.Context(), texts, threshold)
			if err != nil {
				return err
			}
			stats := learn.ClusterStats(clusters)
			if a.json {
				if clusters == nil {
					clusters = []learn.Cluster{}
				}
				return a.printJSON(map[string]any{"clusters": clusters, "stats": stats})
			}

			fmt.Fprintf(a.out, "%d clusters from %d queries (%d singletons, largest %d)\n",
				stats.Clusters, stats.Queries, stats.Singletons, stats.Largest)
			for _, cl := range clusters {
				fmt.Fprintf(a.out, "\n%s  (%d queries)\n", cl.Anchor, cl.Total)
				for _, m := range cl.Members[1:] {
					fmt.Fprintf(a.out, "  ~ %s  x%d  %.2f\n", m.Text, m.Count, m.Similarity)
				}
				for _, s := range cl.Suggestions {
					fmt.Fprintf(a.out, "  -> %s %s  %.3f via %s\n", s.EntityID, s.Name, s.Similarity, s.Method)
				}
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Similarity needed to join a cluster (default from config)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "File of texts, one per line")
	return cmd
}

func newStatsCmd(g *globalFlags) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.Statistics(cmd.Context(), window)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(st)
			}

			fmt.Fprintf(a.out, "Decisions:    %d\n", st.Total)
			fmt.Fprintf(a.out, "Validated:    %d (%.1f%%)\n", st.Validated, 100*st.ValidationRate)
			fmt.Fprintf(a.out, "Unresolved:   %d (%.1f%%)\n", st.Unresolved, 100*st.UnknownRate)
			fmt.Fprintf(a.out, "Needs review: %d\n", st.NeedsReview)
			fmt.Fprintf(a.out, "Thresholds:   v%d\n\n", a.engine.Thresholds().Version)

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METHOD\tDECISIONS\tDISAGREEMENT\tVALIDATED PRECISION")
			for _, key := range []string{"identifier", "exact", "fuzzy", "semantic", "none"} {
				n := st.ByMethod[key]
				if n == 0 {
					continue
				}
				precision := "-"
				if p, ok := st.ValidatedPrecision[key]; ok {
					precision = fmt.Sprintf("%.3f", p)
				}
				fmt.Fprintf(tw, "%s\t%d\t%.3f\t%s\n", key, n, st.DisagreementRate[key], precision)
			}
			tw.Flush()

			fmt.Fprintln(a.out)
			for _, b := range st.Bins {
				fmt.Fprintf(a.out, "%s  %d\n", b.Label, b.Count)
			}

			if m := st.Maturity; m != nil {
				fmt.Fprintf(a.out, "\nCorpus:       %d entities, %d synonyms (%.2f per entity)\n", m.Entities, m.Synonyms, m.SynonymsPerEntity)
				fmt.Fprintf(a.out, "Last 30 days: %.1f%% lexical, %.1f%% fuzzy, %.1f%% semantic reliance, %.1f%% unknown\n",
					100*m.LexicalRate, 100*m.FuzzyRate, 100*m.SemanticReliance, 100*m.UnknownRate)
				fmt.Fprintf(a.out, "Growth:       %d / %d / %d synonyms added in 7 / 30 / 90 days\n", m.Added7d, m.Added30d, m.Added90d)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&window, "window", 0, "Only use decisions from this far back (default: all)")
	return cmd
}
