package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func newVersionCmd() *cobra.Command {
	var longOutput, jsonOutput bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the toolhub version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := versionPayload{
				Version:   strings.TrimSpace(version),
				Commit:    strings.TrimSpace(commit),
				BuildDate: strings.TrimSpace(buildDate),
			}
			out := cmd.OutOrStdout()
			switch {
			case jsonOutput:
				return json.NewEncoder(out).Encode(payload)
			case longOutput:
				_, err := fmt.Fprintf(out, "%s (commit=%s, build_date=%s)\n", payload.Version, payload.Commit, payload.BuildDate)
				return err
			default:
				_, err := fmt.Fprintln(out, payload.Version)
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&longOutput, "long", false, "include commit and build date")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}
