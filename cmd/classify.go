package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// newClassifyCmd creates the 'classify' subcommand, which classifies a saved
// HTML file or a fetched URL.
func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <url|file>",
		Short: "Classify one page and print the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			body, err := readPage(cmd, args[0])
			if err != nil {
				return err
			}
			verdict := appInstance.Classifier().ClassifyHTML(body)
			return printJSON(cmd.OutOrStdout(), verdict)
		},
	}
}

func readPage(cmd *cobra.Command, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return nil, err
		}
		page, err := appInstance.Fetcher().Fetch(cmd.Context(), ref)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", ref, err)
		}
		return page.Body, nil
	}
	body, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return body, nil
}
