package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

// newDiscoverCmd creates the 'discover' subcommand. It prints candidates
// without persisting them.
func newDiscoverCmd() *cobra.Command {
	var (
		location string
		radius   int
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List practices the search pages return for a location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if location == "" {
				return errors.New("--location is required")
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			candidates := appInstance.Discoverer().Discover(cmd.Context(), location, radius)
			return printJSON(cmd.OutOrStdout(), candidates)
		},
	}
	cmd.Flags().StringVar(&location, "location", "", "location hint, e.g. a postcode district")
	cmd.Flags().IntVar(&radius, "radius", 5, "search radius in miles")
	return cmd
}
