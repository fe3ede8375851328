package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a test's configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				test, err := svc.GetTest(ctx, args[0])
				if err != nil {
					return err
				}
				printTest(cmd.OutOrStdout(), test)
				return nil
			})
		},
	}
}

func printTest(w io.Writer, test *store.Experiment) {
	fmt.Fprintf(w, "TEST: %s\n", test.Name)
	fmt.Fprintf(w, "ID: %s\n", test.ID)
	fmt.Fprintf(w, "STATUS: %s\n", test.Status)
	if test.Description != "" {
		fmt.Fprintf(w, "DESCRIPTION: %s\n", test.Description)
	}
	if test.CreatedBy != "" {
		fmt.Fprintf(w, "CREATED BY: %s\n", test.CreatedBy)
	}
	fmt.Fprintf(w, "CREATED: %s\n", test.CreatedAt.Format("2006-01-02 15:04"))
	if test.StartDate != nil {
		fmt.Fprintf(w, "STARTED: %s\n", test.StartDate.Format("2006-01-02 15:04"))
	}
	if test.EndDate != nil {
		fmt.Fprintf(w, "ENDS: %s\n", test.EndDate.Format("2006-01-02 15:04"))
	}
	if a := test.Audience; a != nil {
		if len(a.UserIDs) > 0 {
			fmt.Fprintf(w, "AUDIENCE USERS: %s\n", strings.Join(a.UserIDs, ", "))
		}
		if a.Percentage != nil {
			fmt.Fprintf(w, "AUDIENCE: %g%% of users\n", *a.Percentage)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "VARIANTS:")
	for _, v := range test.Variants {
		control := ""
		if v.IsControl {
			control = " (control)"
		}
		fmt.Fprintf(w, "  %-20s %6g%%  %s%s\n", truncate(v.Name, 20), v.Allocation, v.ID, control)
	}
}

var transitionText = map[string]struct {
	short string
	done  string
}{
	"start": {"Start a draft or paused test", "started"},
	"pause": {"Pause a running test", "paused"},
	"end":   {"End a test and mark it completed", "ended"},
}

func newTransitionCmd(opts *rootOptions, action string) *cobra.Command {
	var yes bool
	text := transitionText[action]

	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: text.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if action == "end" && !yes {
				ok, err := confirm(fmt.Sprintf("End test '%s'? It cannot be restarted", id))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				apply := map[string]func(context.Context, string) (*store.Experiment, error){
					"start": svc.StartTest,
					"pause": svc.PauseTest,
					"end":   svc.EndTest,
				}[action]

				test, err := apply(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' %s (status: %s)\n", test.Name, text.done, test.Status)
				return nil
			})
		},
	}

	if action == "end" {
		cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	}
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a test and all of its data",
		Long: `Delete a test with its assignments and conversions.
Running tests must be paused or ended first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if !yes {
				ok, err := confirm(fmt.Sprintf("Delete test '%s' and all of its data", id))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				if err := svc.DeleteTest(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted test '%s'\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newAssignCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <user-id>",
		Short: "Assign a user to a variant",
		Long: `Return the variant a user sees, assigning one on first call.
Assignments are permanent and deterministic.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				v, err := svc.AssignVariant(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if v == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "User '%s' is not in test '%s'\n", args[1], args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", v.Name, v.ID)
				return nil
			})
		},
	}
}
