package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Mount the configured engines, print the merged tool catalog and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, g)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.mount(ctx, rt.compiled); err != nil {
				rt.logger.Warn("engine_mount_failed", slog.Any("err", err))
			}

			out := cmd.OutOrStdout()
			specs := rt.hub.Specs()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"engines": rt.hub.Engines(), "tools": specs})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, snap := range rt.hub.Engines() {
				fmt.Fprintf(tw, "engine\t%s\t%s\t%d tools\n", snap.Name, snap.Status, snap.ToolCount)
			}
			for _, spec := range specs {
				fmt.Fprintf(tw, "tool\t%s\t%s\n", spec.Name, spec.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}
