package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var filter store.ListFilter
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tests",
		Long:  `List A/B tests with their status and participant counts, newest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = store.TestStatus(strings.ToLower(status))
			filter = filter.Normalize()

			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				return runList(ctx, cmd.OutOrStdout(), svc, filter)
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "only tests in this status")
	cmd.Flags().StringVar(&filter.CreatedBy, "created-by", "", "only tests created by this owner")
	cmd.Flags().IntVar(&filter.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&filter.PageSize, "page-size", store.DefaultPageSize, "tests per page")

	return cmd
}

func runList(ctx context.Context, out io.Writer, svc *experiment.Service, filter store.ListFilter) error {
	tests, total, err := svc.ListTests(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list tests: %w", err)
	}

	if total == 0 {
		fmt.Fprintln(out, "No tests yet.")
		fmt.Fprintln(out)
		fmt.Fprintln(out, `Create one with: splitgoat create hero --variant A:50 --variant B:50`)
		return nil
	}

	// Print table
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANTS\tPARTICIPANTS\tCONVERSIONS\tCREATED")

	for _, test := range tests {
		results, err := svc.GetResults(ctx, test.ID)
		if err != nil {
			return fmt.Errorf("failed to get results for test %s: %w", test.ID, err)
		}

		conversions := 0
		for _, v := range results.Variants {
			conversions += v.Conversions
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			test.ID,
			truncate(test.Name, 24),
			strings.ToUpper(string(test.Status)),
			len(test.Variants),
			formatNumber(results.TotalParticipants),
			formatNumber(conversions),
			test.CreatedAt.Format("2006-01-02"),
		)
	}
	w.Flush()

	if pages := (total + filter.PageSize - 1) / filter.PageSize; pages > 1 {
		fmt.Fprintf(out, "\nPage %d of %d (%d tests)\n", filter.Page, pages, total)
	}
	return nil
}
