package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/chemresolve/internal/engine"
	"github.com/hurttlocker/chemresolve/internal/match"
)

func newIngestCmd(g *globalFlags) *cobra.Command {
	var (
		entityID   string
		confidence float64
		source     string
		file       string
	)
	cmd := &cobra.Command{
		Use:   "ingest [text]",
		Short: "Add synonyms for existing entities",
		Long: `Add one synonym with --entity, or many from a YAML or JSON file with
--file. A file holds a list of items:

  - raw: Methylbenzene
    entity_id: E2
    confidence: 0.9
    source: bootstrap

Known synonyms are reported as duplicates and left unchanged.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []engine.IngestItem
			switch {
			case file != "":
				if len(args) > 0 {
					return fmt.Errorf("give either text or --file, not both")
				}
				loaded, err := loadIngestItems(file)
				if err != nil {
					return err
				}
				items = loaded
			case len(args) == 1:
				if entityID == "" {
					return fmt.Errorf("--entity is required")
				}
				items = []engine.IngestItem{{Raw: args[0], EntityID: entityID, Confidence: confidence, Source: source}}
			default:
				return fmt.Errorf("nothing to ingest: give text with --entity, or --file")
			}

			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := a.engine.IngestBatch(cmd.Context(), items)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(sum)
			}
			for i, r := range sum.Results {
				line := fmt.Sprintf("%-9s %q -> %s", r.Status, items[i].Raw, items[i].EntityID)
				if r.Reason != "" {
					line += " (" + r.Reason + ")"
				}
				fmt.Fprintln(a.out, line)
			}
			fmt.Fprintf(a.out, "\n%d added, %d duplicates, %d rejected\n", sum.Added, sum.Duplicates, sum.Rejected)
			for _, e := range sum.Errors {
				fmt.Fprintf(a.out, "  error: %s\n", e)
			}
			if len(sum.Errors) > 0 {
				return fmt.Errorf("%d items failed", len(sum.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&entityID, "entity", "e", "", "Entity the synonym names")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "Prior confidence in (0, 1]")
	cmd.Flags().StringVar(&source, "source", match.SourceManual, "Provenance tag")
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON file of items")
	return cmd
}

// loadIngestItems reads a YAML list of items; JSON parses as YAML.
func loadIngestItems(path string) ([]engine.IngestItem, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var items []engine.IngestItem
	if err := yaml.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s holds no items", path)
	}
	return items, nil
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <decision-id> <entity-id>",
		Short: "Record the correct entity for a decision",
		Long: `Record a reviewer's answer. The decision's query becomes a validated
synonym of the entity and the validation is kept for calibration.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.IngestValidation(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("validating %s: %w", args[0], err)
			}
			if a.json {
				return a.printJSON(res)
			}
			fmt.Fprintf(a.out, "Validated %s as %s (synonym %q %s)\n", args[0], args[1], res.Normalized, res.Status)
			return nil
		},
	}
}

func newEntityCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entity",
		Short: "Manage canonical entities",
	}

	var name, cas, key string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a canonical entity and ingest its preferred name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			a, err := g.open(cmd, openOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			ent := &match.Entity{ID: args[0], PreferredName: name, RegistryNumber: cas, StructureKey: key}
			res, err := a.engine.AddEntity(cmd.Context(), ent)
			if err != nil {
				return err
			}
			if a.json {
				return a.printJSON(res)
			}
			fmt.Fprintf(a.out, "Entity %s added (preferred name %s)\n", ent.ID, res.Status)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "Preferred name")
	add.Flags().StringVar(&cas, "cas", "", "Registry number, e.g. 71-43-2")
	add.Flags().StringVar(&key, "inchikey", "", "Structure key")

	cmd.AddCommand(add)
	return cmd
}
