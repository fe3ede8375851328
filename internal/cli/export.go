package cli

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

func newExportCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export raw conversion data",
		Long: `Export a test's conversion events in CSV or JSON format, newest first.

Examples:
  splitgoat export 3f2a... --format csv > hero-conversions.csv
  splitgoat export 3f2a... --format json > hero-conversions.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				test, err := svc.GetTest(ctx, args[0])
				if err != nil {
					return err
				}
				conversions, err := svc.ListConversions(ctx, test.ID)
				if err != nil {
					return fmt.Errorf("failed to get conversions: %w", err)
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), test, conversions)
				}
				return exportJSON(cmd.OutOrStdout(), test, conversions)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

func exportCSV(out io.Writer, test *store.Experiment, conversions []*store.Conversion) error {
	w := csv.NewWriter(out)
	defer w.Flush()

	// Write header
	if err := w.Write([]string{"timestamp", "variant", "user_id", "event_type", "value", "metadata"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, c := range conversions {
		value := ""
		if c.Value != nil {
			value = strconv.FormatFloat(*c.Value, 'f', -1, 64)
		}
		metadata := ""
		if len(c.Metadata) > 0 {
			b, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
			metadata = string(b)
		}

		row := []string{
			strconv.FormatInt(c.CreatedAt.Unix(), 10),
			variantName(test, c.VariantID),
			c.UserID,
			c.EventType,
			value,
			metadata,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	return w.Error()
}

type jsonExport struct {
	TestID      string           `json:"test_id"`
	Name        string           `json:"name"`
	Conversions []jsonConversion `json:"conversions"`
}

type jsonConversion struct {
	Timestamp int64          `json:"timestamp"`
	Variant   string         `json:"variant"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Value     *float64       `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func exportJSON(out io.Writer, test *store.Experiment, conversions []*store.Conversion) error {
	export := jsonExport{
		TestID:      test.ID,
		Name:        test.Name,
		Conversions: make([]jsonConversion, len(conversions)),
	}

	for i, c := range conversions {
		export.Conversions[i] = jsonConversion{
			Timestamp: c.CreatedAt.Unix(),
			Variant:   variantName(test, c.VariantID),
			UserID:    c.UserID,
			EventType: c.EventType,
			Value:     c.Value,
			Metadata:  c.Metadata,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func variantName(test *store.Experiment, variantID string) string {
	if v := test.Variant(variantID); v != nil {
		return v.Name
	}
	return variantID
}
