// Package cli implements the cfdiag command line.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cf-diagnosis-engine/internal/config"
	"github.com/cf-diagnosis-engine/internal/domain"
	"github.com/cf-diagnosis-engine/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// options holds the global flags and the state PersistentPreRunE builds.
type options struct {
	cfgFile string
	rules   string
	source  string
	verbose bool

	manager *config.Manager
	cfg     *domain.Config
	logger  *logrus.Logger
}

// NewRootCommand builds the cfdiag command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "cfdiag",
		Short: "cfdiag - certainty factor diagnosis engine",
		Long: `cfdiag evaluates symptom assertions against an expert rule base using
certainty factors and reports the best-supported disease hypothesis.

Each rule links a symptom to a disease with an expert certainty in [-1, 1].
Users assert symptoms with a certainty in [0, 1]. Evidence for a disease is
combined rule by rule and diseases with positive combined certainty are
ranked.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default: ./config.yaml, ./configs/config.yaml or /etc/cfdiag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.rules, "rules", "", "rule base path, overrides rule_base.path")
	rootCmd.PersistentFlags().StringVar(&opts.source, "source", "", "rule base source (file, sqlite, postgres), overrides rule_base.source")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(
		newEvaluateCommand(opts),
		newSymptomsCommand(opts),
		newImportCommand(opts),
		newExportCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func (o *options) load() error {
	manager, err := config.NewManager(o.cfgFile)
	if err != nil {
		return err
	}
	if o.rules != "" {
		if err := manager.Set("rule_base.path", o.rules); err != nil {
			return err
		}
	}
	if o.source != "" {
		if err := manager.Set("rule_base.source", o.source); err != nil {
			return err
		}
	}
	if o.verbose {
		if err := manager.Set("logging.level", "debug"); err != nil {
			return err
		}
	}
	if err := manager.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(manager.GetConfig().Logging)
	if err != nil {
		return err
	}
	if used := manager.ConfigFileUsed(); used != "" {
		logger.WithField("config_file", used).Debug("Using config file")
	}

	o.manager = manager
	o.cfg = manager.GetConfig()
	o.logger = logger
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cfdiag %s\n", Version)
		},
	}
}
