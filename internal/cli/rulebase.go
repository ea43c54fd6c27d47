package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cf-diagnosis-engine/internal/config"
	"github.com/cf-diagnosis-engine/internal/rulebase"
)

func newSymptomsCommand(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "symptoms",
		Short: "List the symptom catalogue ordered by code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rb, closeRuleBase, err := openRuleBase(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer closeRuleBase()

			svc, err := newService(opts.cfg, rb, opts.logger, nil)
			if err != nil {
				return err
			}
			symptoms, err := svc.ListSymptoms(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch output {
			case "json":
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(symptoms)
			case "text":
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCODE\tNAME")
				for _, s := range symptoms {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Code, s.Name)
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unsupported output format %q", output)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json)")
	return cmd
}

func newImportCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <document>",
		Short: "Replace the database rule base with a YAML or JSON document",
		Long: `Import loads a rule-base document and replaces the rule base stored in
the configured SQLite or PostgreSQL database in a single transaction.

Example:
  cfdiag import configs/rules.example.yaml --source sqlite --rules data/rules.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.RuleBase.Source == config.SourceFile {
				return fmt.Errorf("import needs a database source (sqlite or postgres)")
			}
			snap, err := rulebase.LoadFile(args[0])
			if err != nil {
				return err
			}

			b, err := openBackend(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.importer.Import(cmd.Context(), snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d symptoms, %d diseases, %d rules\n",
				len(snap.Symptoms), len(snap.Diseases), len(snap.Rules))
			return nil
		},
	}
}

func newExportCommand(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the configured rule base as a YAML or JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := openBackend(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer b.Close()

			snap, err := rulebase.Load(cmd.Context(), b.origin)
			if err != nil {
				return err
			}
			return rulebase.Encode(cmd.OutOrStdout(), snap, strings.TrimPrefix(format, "."))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "document format (yaml, json)")
	return cmd
}

// isDocument reports whether path names a rule-base document rather than a
// database file.
func isDocument(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
