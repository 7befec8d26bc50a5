package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/client"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

const maxOutput = 4000

func main() {
	if err := server.ServeStdio(newServer(newClient())); err != nil {
		fmt.Printf("server error: %v\n", err)
	}
}

func newServer(c *client.Client) *server.MCPServer {
	s := server.NewMCPServer("kernelbox-kernel-exec", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "python_exec",
		Description: "Execute Python in a persistent, sandboxed kernel. Variables and imports survive between calls.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source to run as one cell",
				},
			},
			Required: []string{"code"},
		},
	}, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handlePythonExec(ctx, c, request)
	})

	s.AddTool(mcp.Tool{
		Name:        "kernel_reset",
		Description: "Restart the Python kernel. All variables and imports are lost.",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := c.ResetKernel(ctx); err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
		return textResult("kernel restarted"), nil
	})

	return s
}

func newClient() *client.Client {
	url := os.Getenv("KERNELBOX_URL")
	if url == "" {
		url = "http://localhost:8080"
	}
	token := os.Getenv("KERNELBOX_AUTH_BEARER_TOKEN")
	if token == "" {
		token = os.Getenv("BEARER_TOKEN")
	}
	return client.New(url, client.WithToken(token))
}

func handlePythonExec(ctx context.Context, c *client.Client, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	code, _ := args["code"].(string)
	if strings.TrimSpace(code) == "" {
		return errResult("error: 'code' is required"), nil
	}

	var out cellOutput
	_, err := c.RunCell(ctx, code, client.Handler{
		OnEvent:    out.event,
		OnCallback: out.callback,
	})
	if err != nil {
		out.failed = true
		var remote *kernelerr.RemoteExecutionError
		if errors.As(err, &remote) {
			out.line(fmt.Sprintf("%s: %s", remote.Type, remote.Message))
		} else {
			out.line(fmt.Sprintf("error: %v", err))
		}
	}

	text := out.b.String()
	if text == "" {
		text = "(no output)"
	}
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: out.failed,
	}, nil
}

// cellOutput flattens relayed events into plain text.
type cellOutput struct {
	b      strings.Builder
	failed bool
}

func (o *cellOutput) line(s string) {
	if o.b.Len() > 0 && !strings.HasSuffix(o.b.String(), "\n") {
		o.b.WriteString("\n")
	}
	o.b.WriteString(s)
}

func (o *cellOutput) event(ev protocol.OutputEvent) {
	switch ev := ev.(type) {
	case *protocol.StreamEvent:
		if ev.Name == protocol.Stderr {
			o.line("STDERR:\n" + ev.Text)
			return
		}
		o.b.WriteString(ev.Text)
	case *protocol.ExecuteResultEvent:
		o.line(bundleText(ev.Data))
	case *protocol.DisplayDataEvent:
		o.line(bundleText(ev.Data))
	case *protocol.ErrorEvent:
		o.failed = true
		if len(ev.Traceback) > 0 {
			o.line(strings.Join(ev.Traceback, ""))
		} else {
			o.line(fmt.Sprintf("%s: %s", ev.EName, ev.EValue))
		}
	}
}

func (o *cellOutput) callback(rec callbacks.Record) {
	o.line(fmt.Sprintf("[callback %s] args=%v kwargs=%v", rec.Name, rec.Args, rec.Kwargs))
}

func bundleText(data protocol.MimeBundle) string {
	if text, ok := data["text/plain"]; ok {
		return text
	}
	mimes := make([]string, 0, len(data))
	for mime := range data {
		mimes = append(mimes, mime)
	}
	sort.Strings(mimes)
	return "[" + strings.Join(mimes, ", ") + "]"
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
