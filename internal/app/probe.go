package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"
)

const defaultProbeTimeout = 30 * time.Second

type probeOptions struct {
	call    string
	args    string
	env     []string
	timeout time.Duration
}

// ProbeReport is what `toolhub probe` prints.
type ProbeReport struct {
	Server          string          `json:"server"`
	Version         string          `json:"version"`
	ProtocolVersion string          `json:"protocol_version"`
	Tools           []ProbeTool     `json:"tools"`
	Call            *ProbeCallReply `json:"call,omitempty"`
}

type ProbeTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ProbeCallReply struct {
	Tool    string   `json:"tool"`
	IsError bool     `json:"is_error"`
	Text    []string `json:"text"`
}

func newProbeCmd() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe [flags] -- command [args...]",
		Short: "Connect to an engine command with a standard MCP client and print its catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			report, err := probe(ctx, args[0], args[1:], opts)
			if err != nil {
				return err
			}
			return writeProbeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&opts.call, "call", "", "also call this tool")
	cmd.Flags().StringVar(&opts.args, "args", "{}", "JSON object of arguments for --call")
	cmd.Flags().StringArrayVar(&opts.env, "env", nil, "extra KEY=VALUE for the engine (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultProbeTimeout, "overall deadline")
	return cmd
}

// probe runs initialize and tools/list, plus one tools/call when asked.
func probe(ctx context.Context, command string, args []string, opts probeOptions) (ProbeReport, error) {
	var callArgs map[string]any
	if opts.call != "" {
		if err := json.Unmarshal([]byte(opts.args), &callArgs); err != nil {
			return ProbeReport{}, usageError{fmt.Errorf("--args: %w", err)}
		}
	}

	c, err := client.NewStdioMCPClient(command, opts.env, args...)
	if err != nil {
		return ProbeReport{}, fmt.Errorf("start %s: %w", command, err)
	}
	defer c.Close()

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "toolhub-probe", Version: version}
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		return ProbeReport{}, fmt.Errorf("initialize: %w", err)
	}

	listRes, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return ProbeReport{}, fmt.Errorf("tools/list: %w", err)
	}

	report := ProbeReport{
		Server:          initRes.ServerInfo.Name,
		Version:         initRes.ServerInfo.Version,
		ProtocolVersion: initRes.ProtocolVersion,
		Tools:           make([]ProbeTool, 0, len(listRes.Tools)),
	}
	for _, tool := range listRes.Tools {
		report.Tools = append(report.Tools, ProbeTool{Name: tool.Name, Description: tool.Description})
	}

	if opts.call == "" {
		return report, nil
	}
	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = opts.call
	callReq.Params.Arguments = callArgs
	callRes, err := c.CallTool(ctx, callReq)
	if err != nil {
		return ProbeReport{}, fmt.Errorf("tools/call %s: %w", opts.call, err)
	}
	reply := &ProbeCallReply{Tool: opts.call, IsError: callRes.IsError}
	for _, content := range callRes.Content {
		if text, ok := content.(mcp.TextContent); ok {
			reply.Text = append(reply.Text, text.Text)
		}
	}
	report.Call = reply
	return report, nil
}

func writeProbeReport(w io.Writer, report ProbeReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
