package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
)

func newResultsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for a test",
		Long:  `Show conversion rates, confidence intervals and significance against the control.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				results, err := svc.GetResults(ctx, args[0])
				if err != nil {
					return err
				}

				if asJSON {
					encoder := json.NewEncoder(cmd.OutOrStdout())
					encoder.SetIndent("", "  ")
					return encoder.Encode(results)
				}
				printResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printResults(w io.Writer, r *experiment.Results) {
	confPct := r.ConfidenceLevel * 100

	fmt.Fprintf(w, "TEST: %s\n", r.Name)
	fmt.Fprintf(w, "STATUS: %s\n", r.Status)
	fmt.Fprintf(w, "PARTICIPANTS: %s\n", formatNumber(r.TotalParticipants))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "VARIANT           USERS    CONVERTED    RATE     %g%% CI              VS CONTROL\n", confPct)
	fmt.Fprintln(w, strings.Repeat("─", 86))

	for _, v := range r.Variants {
		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.RateInterval.Lower*100, v.RateInterval.Upper*100)
		if v.Participants == 0 {
			ciStr = "N/A"
		}

		vs := ""
		switch {
		case v.IsControl:
			vs = "control"
		case v.Improvement != nil && v.SampleSizeRecommendation > 0:
			vs = fmt.Sprintf("%+.1f%% (need ~%s users)", *v.Improvement, formatNumber(v.SampleSizeRecommendation))
		case v.Improvement != nil:
			vs = fmt.Sprintf("%+.1f%% p=%.4f", *v.Improvement, *v.PValue)
			if v.IsSignificant {
				vs += " *"
			}
		}

		indicator := ""
		if v.VariantID == r.Winner {
			indicator = " ← WINNER"
		}

		fmt.Fprintf(w, "%-16s  %-7d  %-11d  %-7s  %-18s  %s%s\n",
			truncate(v.Name, 16),
			v.Participants,
			v.Conversions,
			formatPercent(v.ConversionRate),
			ciStr,
			vs,
			indicator,
		)
	}

	fmt.Fprintln(w)

	// Print significance message
	if winner := r.WinnerVariant(); winner != nil {
		fmt.Fprintf(w, "Statistical significance: %.0f%% confident \"%s\" beats control\n", confPct, winner.Name)
	} else {
		fmt.Fprintln(w, "Statistical significance: Not enough data to determine a winner")
	}
}
