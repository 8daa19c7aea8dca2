package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saiden-dev/hu-sub000/pkg/hu/output"
	"github.com/saiden-dev/hu-sub000/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show hu version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetBuildInfo()

			// Get runtime if available (for custom writer), but don't fail if missing
			rt, _ := getRuntime(cmd)
			writer := cmd.OutOrStdout()
			format := ""
			if rt != nil {
				writer = rt.Writer()
				format = rt.outputFormat
			}

			switch format {
			case "json", "yaml":
				return output.WriteObject(writer, output.Format(format), info)
			case "", "table":
				_, _ = fmt.Fprintln(writer, info.String())
				return nil
			default:
				return fmt.Errorf("unknown output format: %s", format)
			}
		},
	}
}
