package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

func newConvertCmd(opts *rootOptions) *cobra.Command {
	var (
		eventType string
		value     float64
		metadata  string
	)

	cmd := &cobra.Command{
		Use:   "convert <id> <user-id>",
		Short: "Record a conversion for an assigned user",
		Long: `Record a conversion event against the user's assigned variant.
Users without an assignment are not attributed.

Example:
  splitgoat convert 3f2a... user-42 --event purchase --value 49.00 --metadata '{"sku":"pro"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var meta map[string]any
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &meta); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}

			var valuePtr *float64
			if cmd.Flags().Changed("value") {
				valuePtr = &value
			}

			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				ok, err := svc.RecordConversion(ctx, args[0], args[1], eventType, valuePtr, meta)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "User '%s' has no assignment in test '%s'; conversion not recorded\n", args[1], args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded '%s' for user '%s'\n", eventType, args[1])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&eventType, "event", "e", "conversion", "event type")
	cmd.Flags().Float64Var(&value, "value", 0, "optional numeric value")
	cmd.Flags().StringVar(&metadata, "metadata", "", "optional JSON object")

	return cmd
}
