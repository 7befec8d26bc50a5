package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/kernelbox/internal/config"
	"github.com/michaelbrown/kernelbox/internal/storage"
	"github.com/michaelbrown/kernelbox/internal/storage/sqlite"
)

var (
	kindFilter   string
	limitFlag    int
	exportFormat string
	exportOutput string
	olderThan    time.Duration
	forceFlag    bool
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	Aliases: []string{"event", "e"},
	Short:   "Inspect the kernel diagnostics journal",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal events, newest first",
	RunE:  runEventsList,
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one event",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsShow,
}

var eventsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export events as markdown, JSON or YAML",
	RunE:  runEventsExport,
}

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old events",
	RunE:  runEventsPrune,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsListCmd, eventsShowCmd, eventsExportCmd, eventsPruneCmd)

	for _, c := range []*cobra.Command{eventsListCmd, eventsExportCmd} {
		c.Flags().StringVar(&kindFilter, "kind", "", "Filter by kind (kernel_created, kernel_restart_failed, tool_exception, ...)")
		c.Flags().IntVar(&limitFlag, "limit", 20, "Max events")
	}

	eventsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	eventsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	eventsPruneCmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete events older than this")
	eventsPruneCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func listEvents(store storage.Store) ([]storage.Event, error) {
	return store.ListEvents(context.Background(), storage.EventListOptions{
		Kind:  storage.EventKind(kindFilter),
		Limit: limitFlag,
	})
}

func runEventsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := listEvents(store)
	if err != nil {
		return err
	}

	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-22s %-10s %-40s %s\n", "ID", "KIND", "KERNEL", "MESSAGE", "WHEN")
	fmt.Println(strings.Repeat("─", 95))

	for _, e := range events {
		kernelID := e.KernelID
		if len(kernelID) > 8 {
			kernelID = kernelID[:8]
		}
		if kernelID == "" {
			kernelID = "-"
		}
		fmt.Printf("%-10s %-22s %-10s %-40s %s\n",
			shortEventID(e.ID), e.Kind, kernelID, truncate(e.Message, 38), timeAgo(e.CreatedAt))
	}

	return nil
}

func runEventsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.GetEvent(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Event:    %s\n", e.ID)
	fmt.Printf("Kind:     %s\n", e.Kind)
	if e.KernelID != "" {
		fmt.Printf("Kernel:   %s\n", e.KernelID)
	}
	fmt.Printf("Created:  %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Message:  %s\n", e.Message)
	if len(e.Details) > 0 {
		data, err := yaml.Marshal(e.Details)
		if err == nil {
			fmt.Println(strings.Repeat("─", 60))
			fmt.Print(string(data))
		}
	}
	return nil
}

func runEventsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := listEvents(store)
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(events)
		if err != nil {
			return err
		}
		output = string(data)
	case "yaml", "yml":
		data, err := storage.ExportYAML(events)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		output = storage.ExportMarkdown(events)
	default:
		return fmt.Errorf("unknown export format %q (want md, json or yaml)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func runEventsPrune(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().Add(-olderThan)
	if !forceFlag {
		fmt.Printf("Delete events created before %s? [y/N] ", cutoff.Format(time.RFC3339))
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	n, err := store.PruneEvents(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d events\n", n)
	return nil
}

func shortEventID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
