package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/headline-goat/splitgoat/internal/experiment"
	"github.com/headline-goat/splitgoat/internal/store"
)

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		variants    []string
		description string
		createdBy   string
		audienceIDs []string
		audiencePct float64
		startDate   string
		endDate     string
		interactive bool
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B test",
		Long: `Create a new A/B test in draft status.

Each --variant is "name:allocation" with an optional ":control" suffix.
Allocations must sum to 100. When no variant is marked control the first
one becomes the control.

Examples:
  splitgoat create hero --variant "Ship Faster:50:control" --variant "Build Better:50"
  splitgoat create cta --variant A:34 --variant B:33 --variant C:33 --audience-pct 20
  splitgoat create pricing --interactive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := experiment.CreateTestParams{
				Name:        args[0],
				Description: description,
				CreatedBy:   createdBy,
			}

			if interactive {
				prompted, err := promptVariants()
				if err != nil {
					return err
				}
				params.Variants = prompted
			} else {
				if len(variants) < 2 {
					return fmt.Errorf("need at least 2 variants. Example: --variant A:50 --variant B:50")
				}
				for _, raw := range variants {
					v, err := parseVariant(raw)
					if err != nil {
						return err
					}
					params.Variants = append(params.Variants, v)
				}
			}

			if len(audienceIDs) > 0 || cmd.Flags().Changed("audience-pct") {
				params.Audience = &store.AudienceFilter{UserIDs: audienceIDs}
				if cmd.Flags().Changed("audience-pct") {
					params.Audience.Percentage = &audiencePct
				}
			}

			var err error
			if params.StartDate, err = parseDate(startDate); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			if params.EndDate, err = parseDate(endDate); err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			return opts.withService(func(ctx context.Context, svc *experiment.Service) error {
				test, err := svc.CreateTest(ctx, params)
				if err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}
				printCreated(cmd.OutOrStdout(), test)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVarP(&variants, "variant", "v", nil, `variant as "name:allocation[:control]" (repeatable)`)
	cmd.Flags().StringVarP(&description, "description", "d", "", "test description")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "owner of the test")
	cmd.Flags().StringSliceVar(&audienceIDs, "audience-users", nil, "only these user ids are eligible")
	cmd.Flags().Float64Var(&audiencePct, "audience-pct", 100, "percentage of users eligible (0-100)")
	cmd.Flags().StringVar(&startDate, "start", "", "scheduled start date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&endDate, "end", "", "scheduled end date (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for variants")

	return cmd
}

func printCreated(w io.Writer, test *store.Experiment) {
	fmt.Fprintf(w, "Created test '%s' (%s) with %d variants:\n", test.Name, test.ID, len(test.Variants))
	for _, v := range test.Variants {
		control := ""
		if v.IsControl {
			control = " (control)"
		}
		fmt.Fprintf(w, "  %s: %g%%%s\n", v.Name, v.Allocation, control)
	}
	fmt.Fprintf(w, "\nStart it with: splitgoat start %s\n", test.ID)
}

// parseVariant parses "name:allocation[:control]". The name may itself
// contain colons.
func parseVariant(raw string) (experiment.VariantParams, error) {
	parts := strings.Split(raw, ":")

	var v experiment.VariantParams
	if len(parts) >= 3 && strings.EqualFold(parts[len(parts)-1], "control") {
		v.IsControl = true
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 2 {
		return v, fmt.Errorf("invalid variant %q: expected name:allocation", raw)
	}

	alloc, err := strconv.ParseFloat(strings.TrimSpace(parts[len(parts)-1]), 64)
	if err != nil {
		return v, fmt.Errorf("invalid variant %q: allocation must be a number", raw)
	}
	v.Allocation = alloc
	v.Name = strings.TrimSpace(strings.Join(parts[:len(parts)-1], ":"))
	return v, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("cannot parse %q as YYYY-MM-DD or RFC 3339", s)
}

// promptVariants collects variants until an empty name is entered, then
// asks which one is the control.
func promptVariants() ([]experiment.VariantParams, error) {
	var variants []experiment.VariantParams

	for {
		namePrompt := promptui.Prompt{
			Label: fmt.Sprintf("Variant %d name (empty to finish)", len(variants)+1),
		}
		name, err := namePrompt.Run()
		if err != nil {
			return nil, promptErr(err)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			if len(variants) < 2 {
				fmt.Println("At least 2 variants are required.")
				continue
			}
			break
		}

		allocPrompt := promptui.Prompt{
			Label: fmt.Sprintf("Allocation for %s (%%)", name),
			Validate: func(input string) error {
				f, err := strconv.ParseFloat(input, 64)
				if err != nil || f < 0 || f > 100 {
					return errors.New("enter a number between 0 and 100")
				}
				return nil
			},
		}
		raw, err := allocPrompt.Run()
		if err != nil {
			return nil, promptErr(err)
		}
		alloc, _ := strconv.ParseFloat(raw, 64)

		variants = append(variants, experiment.VariantParams{Name: name, Allocation: alloc})
	}

	items := make([]string, len(variants))
	for i, v := range variants {
		items[i] = fmt.Sprintf("%s (%g%%)", v.Name, v.Allocation)
	}
	controlPrompt := promptui.Select{
		Label: "Control variant",
		Items: items,
		Size:  len(items),
	}
	idx, _, err := controlPrompt.Run()
	if err != nil {
		return nil, promptErr(err)
	}
	variants[idx].IsControl = true

	return variants, nil
}

func promptErr(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) {
		return errors.New("cancelled")
	}
	return err
}
