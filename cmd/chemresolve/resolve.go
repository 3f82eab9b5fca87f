package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/chemresolve/internal/match"
)

func newResolveCmd(g *globalFlags) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "resolve <query>",
		Short: "Resolve one chemical name, synonym or registry number",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			d := a.engine.Resolve(cmd.Context(), strings.Join(args, " "))
			if a.json {
				view := *d
				view.Candidates = d.TopCandidates(top)
				return a.printJSON(view)
			}
			printDecision(a.out, d, top)
			return nil
		},
	}
	cmd.Flags().IntVarP(&top, "top", "k", 5, "Candidates to show, best per entity")
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [file]",
		Short: "Resolve one query per line from a file or stdin",
		Long: `Resolve one query per line. With no file, or "-", queries are read from
stdin. Decisions are printed in input order; --json prints one JSON object
per line.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}
			queries, err := readLines(in)
			if err != nil {
				return err
			}
			if len(queries) == 0 {
				return fmt.Errorf("no queries")
			}

			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			decisions := a.engine.ResolveBatch(cmd.Context(), queries)
			if a.json {
				for _, d := range decisions {
					view := *d
					view.Candidates = d.TopCandidates(1)
					line, err := jsonLine(view)
					if err != nil {
						return err
					}
					fmt.Fprintln(a.out, line)
				}
				return nil
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUERY\tSTATUS\tENTITY\tMETHOD\tCONFIDENCE\tREVIEW\tDECISION")
			resolved, review := 0, 0
			for _, d := range decisions {
				if d.Resolved() {
					resolved++
				}
				if d.NeedsReview {
					review++
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%s\t%s\n",
					d.Query, d.Status, orDash(d.EntityID), methodLabel(d.Method), d.Confidence, reviewLabel(d), d.ID)
			}
			tw.Flush()
			fmt.Fprintf(a.out, "\n%d queries, %d resolved, %d need review\n", len(decisions), resolved, review)
			return nil
		},
	}
	return cmd
}

func printDecision(w io.Writer, d *match.Decision, top int) {
	fmt.Fprintf(w, "Query:       %s\n", d.Query)
	fmt.Fprintf(w, "Normalized:  %s\n", orDash(d.Normalized))
	fmt.Fprintf(w, "Status:      %s\n", d.Status)
	if d.EntityID != "" {
		fmt.Fprintf(w, "Entity:      %s\n", d.EntityID)
	}
	fmt.Fprintf(w, "Method:      %s\n", methodLabel(d.Method))
	fmt.Fprintf(w, "Confidence:  %.3f\n", d.Confidence)
	fmt.Fprintf(w, "Review:      %s\n", reviewLabel(d))
	if d.Disagreement {
		fmt.Fprintln(w, "Disagreement: fuzzy and semantic favour different entities")
	}
	for _, f := range d.Failures {
		fmt.Fprintf(w, "Unavailable: %s (%s)\n", f.Method, f.Error)
	}
	fmt.Fprintf(w, "Decision:    %s (thresholds v%d, index gen %d, %s)\n",
		d.ID, d.ThresholdVersion, d.IndexGeneration, d.Latency.Round(100*time.Microsecond))

	cands := d.TopCandidates(top)
	if len(cands) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tMETHOD\tCONFIDENCE\tSCORE\tMATCHED")
	for _, c := range cands {
		conf := fmt.Sprintf("%.3f", c.Confidence)
		if c.Penalized {
			conf += "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\n", c.EntityID, c.Method, conf, c.Score, c.Text)
	}
	tw.Flush()
}

func methodLabel(m match.Method) string {
	if m == 0 {
		return "-"
	}
	return m.String()
}

func reviewLabel(d *match.Decision) string {
	if !d.NeedsReview {
		return "no"
	}
	if d.Reason == "" {
		return "yes"
	}
	return "yes (" + d.Reason + ")"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// readLines returns the non-blank lines of r, trimmed.
func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading queries: %w", err)
	}
	return out, nil
}
