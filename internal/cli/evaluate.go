package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cf-diagnosis-engine/internal/domain"
)

type evaluateFlags struct {
	symptoms    []string
	inputs      []string
	output      string
	timeout     time.Duration
	metricsFile string
}

// batchFile is the assertion batch document read by --input.
type batchFile struct {
	Assertions []domain.AssertionInput `yaml:"assertions"`
}

func newEvaluateCommand(opts *options) *cobra.Command {
	flags := &evaluateFlags{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate symptom assertions against the rule base",
		Long: `Evaluate runs one diagnosis session. Each --input file is one assertion
batch, submitted in order; --symptom flags form a final batch. The last batch
triggers the evaluation.

Example:
  cfdiag evaluate --symptom G01=0.8 --symptom G02=0.6
  cfdiag evaluate --input history.yaml --input today.json --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, opts, flags)
		},
	}

	cmd.Flags().StringArrayVarP(&flags.symptoms, "symptom", "s", nil, "symptom assertion as <symptom-id>=<certainty> (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.inputs, "input", "i", nil, "assertion batch file, YAML or JSON, '-' for stdin (repeatable)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "text", "output format (text, json)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "overall evaluation timeout")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", "write prometheus metrics in text format to this file (requires metrics.enabled)")
	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *options, flags *evaluateFlags) error {
	batches, err := collectBatches(cmd.InOrStdin(), flags)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return fmt.Errorf("no assertions given: use --symptom or --input")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	rb, closeRuleBase, err := openRuleBase(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer closeRuleBase()

	registry := prometheus.NewRegistry()
	svc, err := newService(opts.cfg, rb, opts.logger, registry)
	if err != nil {
		return err
	}

	sess, err := svc.StartSession(ctx)
	if err != nil {
		return err
	}
	for _, batch := range batches[:len(batches)-1] {
		if _, err := svc.RecordAssertions(ctx, sess.ID, batch); err != nil {
			return err
		}
	}
	sess, err = svc.SubmitSymptoms(ctx, sess.ID, batches[len(batches)-1])
	if err != nil {
		return err
	}

	if flags.metricsFile != "" {
		if err := prometheus.WriteToTextfile(flags.metricsFile, registry); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	names, err := diseaseNames(ctx, rb)
	if err != nil {
		return err
	}
	return writeSession(cmd.OutOrStdout(), sess, names, flags.output)
}

func collectBatches(stdin io.Reader, flags *evaluateFlags) ([][]domain.AssertionInput, error) {
	var batches [][]domain.AssertionInput
	for _, path := range flags.inputs {
		batch, err := readBatch(stdin, path)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}

	if len(flags.symptoms) > 0 {
		batch := make([]domain.AssertionInput, 0, len(flags.symptoms))
		for _, s := range flags.symptoms {
			id, cf, ok := strings.Cut(s, "=")
			if !ok || strings.TrimSpace(id) == "" {
				return nil, fmt.Errorf("invalid --symptom %q: expected <symptom-id>=<certainty>", s)
			}
			batch = append(batch, domain.AssertionInput{SymptomID: strings.TrimSpace(id), Certainty: cf})
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// readBatch reads a batch document. JSON is valid YAML, so one decoder
// handles both. A bare list of assertions is accepted as well.
func readBatch(stdin io.Reader, path string) ([]domain.AssertionInput, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", path, err)
	}

	var doc batchFile
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Assertions != nil {
		return doc.Assertions, nil
	}
	var list []domain.AssertionInput
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decoding batch %s: %w", path, err)
	}
	return list, nil
}

func diseaseNames(ctx context.Context, rb domain.RuleBase) (map[string]domain.Disease, error) {
	diseases, err := rb.Diseases(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Disease, len(diseases))
	for _, d := range diseases {
		out[d.ID] = d
	}
	return out, nil
}

func writeSession(w io.Writer, sess *domain.Session, diseases map[string]domain.Disease, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	case "text":
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}

	fmt.Fprintf(w, "Session:    %s\n", sess.ID)
	fmt.Fprintf(w, "Assertions: %d\n", len(sess.Assertions))

	result := sess.Result
	if !result.HasDiagnosis() {
		fmt.Fprintln(w, "Diagnosis:  none (no disease reached a positive certainty)")
		return nil
	}
	best := diseases[result.Best.DiseaseID]
	fmt.Fprintf(w, "Diagnosis:  %s %s (%.2f%%)\n\n", best.Code, best.Name, result.Best.Percentage)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tDISEASE\tCERTAINTY\tRULES")
	for _, r := range result.Ranked() {
		fmt.Fprintf(tw, "%s\t%s\t%.2f%%\t%d/%d\n", r.DiseaseCode, r.DiseaseName, r.Percentage, r.AppliedRuleCount, r.TotalRuleCount)
	}
	return tw.Flush()
}
