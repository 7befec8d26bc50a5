package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/kernelbox/internal/callbacks"
	"github.com/michaelbrown/kernelbox/internal/client"
	"github.com/michaelbrown/kernelbox/internal/kernelerr"
	"github.com/michaelbrown/kernelbox/internal/protocol"
)

var (
	urlFlag   string
	tokenFlag string
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive session against a kernel server",
	Long: `Start an interactive Python session against a running kernel server.
Lines ending in ":" or "\" start a block; finish it with an empty line.
Ctrl+C while a cell runs interrupts the kernel.

Examples:
  kernelbox repl
  kernelbox repl --url http://10.0.0.5:8080 --token $BEARER_TOKEN`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&urlFlag, "url", "http://localhost:8080", "Kernel server URL")
	replCmd.Flags().StringVar(&tokenFlag, "token", "", "Bearer token (default: $KERNELBOX_AUTH_BEARER_TOKEN or $BEARER_TOKEN)")
	rootCmd.AddCommand(replCmd)
}

// tokenFromEnv returns the bearer token for client commands when no flag is set.
func tokenFromEnv() string {
	if t := os.Getenv("KERNELBOX_AUTH_BEARER_TOKEN"); t != "" {
		return t
	}
	return os.Getenv("BEARER_TOKEN")
}

func runRepl(cmd *cobra.Command, args []string) error {
	token := tokenFlag
	if token == "" {
		token = tokenFromEnv()
	}
	c := client.New(urlFlag, client.WithToken(token))

	st, err := c.Status(context.Background())
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", urlFlag, err)
	}
	fmt.Printf("kernelbox REPL - %s (version %s, kernel %s)\n", urlFlag, st.Version, st.KernelStatus)
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>>>\033[0m ",
		HistoryFile:     filepath.Join(home, ".kernelbox", "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C while a cell runs interrupts the kernel rather than exiting.
	var mu sync.Mutex
	running := false
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			busy := running
			mu.Unlock()
			if busy {
				if err := c.Interrupt(context.Background()); err != nil {
					fmt.Printf("\n\033[31minterrupt failed: %s\033[0m\n", err)
				}
			}
		}
	}()

	for {
		code, err := readCell(rl)
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}
		if strings.TrimSpace(code) == "" {
			continue
		}

		if strings.HasPrefix(code, "/") {
			if quit := handleCommand(c, strings.TrimSpace(code)); quit {
				return nil
			}
			continue
		}

		mu.Lock()
		running = true
		mu.Unlock()
		_, err = c.RunCell(context.Background(), code, client.Handler{
			OnEvent:    printEvent,
			OnCallback: printCallback,
		})
		mu.Lock()
		running = false
		mu.Unlock()

		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n", describe(err))
			if errors.Is(err, kernelerr.ErrKernelDeath) {
				fmt.Println("The kernel died. Use /reset to start a new one.")
			}
		}
	}
}

// readCell reads one line, or a block of lines when the first line opens one.
func readCell(rl *readline.Instance) (string, error) {
	rl.SetPrompt("\033[36m>>>\033[0m ")
	first, err := rl.Readline()
	if err != nil {
		return "", err
	}
	trimmed := strings.TrimRight(first, " \t")
	if !strings.HasSuffix(trimmed, ":") && !strings.HasSuffix(trimmed, "\\") {
		return first, nil
	}

	lines := []string{strings.TrimSuffix(trimmed, "\\")}
	rl.SetPrompt("\033[36m...\033[0m ")
	defer rl.SetPrompt("\033[36m>>>\033[0m ")
	for {
		line, err := rl.Readline()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(line) == "" {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, strings.TrimSuffix(line, "\\"))
	}
}

func handleCommand(c *client.Client, input string) (quit bool) {
	ctx := context.Background()
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/status":
		st, err := c.Status(ctx)
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		fmt.Printf("kernel: %s (version %s)\n\n", st.KernelStatus, st.Version)
	case "/reset":
		fmt.Println("Restarting kernel...")
		if err := c.ResetKernel(ctx); err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		fmt.Println("Kernel restarted.")
		fmt.Println()
	case "/interrupt":
		if err := c.Interrupt(ctx); err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		fmt.Println("Interrupted.")
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help       - Show this help")
		fmt.Println("  /status     - Show kernel status")
		fmt.Println("  /reset      - Restart the kernel (all state is lost)")
		fmt.Println("  /interrupt  - Interrupt the running cell")
		fmt.Println("  /quit       - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

func printEvent(ev protocol.OutputEvent) {
	switch ev := ev.(type) {
	case *protocol.StreamEvent:
		if ev.Name == protocol.Stderr {
			fmt.Fprintf(os.Stderr, "\033[33m%s\033[0m", ev.Text)
			return
		}
		fmt.Print(ev.Text)
	case *protocol.ExecuteResultEvent:
		fmt.Printf("\033[32m%s\033[0m\n", plainText(ev.Data))
	case *protocol.DisplayDataEvent:
		fmt.Printf("\033[90m%s\033[0m\n", plainText(ev.Data))
	case *protocol.ErrorEvent:
		if len(ev.Traceback) > 0 {
			fmt.Printf("\033[31m%s\033[0m", strings.Join(ev.Traceback, ""))
		} else {
			fmt.Printf("\033[31m%s: %s\033[0m\n", ev.EName, ev.EValue)
		}
	}
}

func plainText(data protocol.MimeBundle) string {
	if text, ok := data["text/plain"]; ok {
		return text
	}
	mimes := make([]string, 0, len(data))
	for mime := range data {
		mimes = append(mimes, mime)
	}
	sort.Strings(mimes)
	return fmt.Sprintf("[display: %s]", strings.Join(mimes, ", "))
}

func printCallback(rec callbacks.Record) {
	fmt.Printf("\033[35m[callback %s] args=%v kwargs=%v\033[0m\n", rec.Name, rec.Args, rec.Kwargs)
}

func describe(err error) string {
	var remote *kernelerr.RemoteExecutionError
	if errors.As(err, &remote) {
		return fmt.Sprintf("%s: %s", remote.Type, remote.Message)
	}
	return fmt.Sprintf("%s: %s", kernelerr.Attribute(err), err)
}
