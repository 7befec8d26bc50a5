package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders journal events as a markdown document, oldest first.
func ExportMarkdown(events []Event) string {
	var b strings.Builder

	b.WriteString("# Kernel journal\n\n")
	b.WriteString(fmt.Sprintf("- **Events:** %d\n", len(events)))
	b.WriteString("\n---\n\n")

	for _, e := range chronological(events) {
		b.WriteString(fmt.Sprintf("## %s `%s`\n\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind))
		if e.KernelID != "" {
			b.WriteString(fmt.Sprintf("- **Kernel:** %s\n", e.KernelID))
		}
		b.WriteString(fmt.Sprintf("- **Event:** %s\n\n", e.ID))
		if e.Message != "" {
			b.WriteString(e.Message + "\n\n")
		}
		if len(e.Details) > 0 {
			details, _ := json.MarshalIndent(e.Details, "", "  ")
			b.WriteString(fmt.Sprintf("<details>\n<summary>Details</summary>\n\n```json\n%s\n```\n</details>\n\n", details))
		}
	}

	return b.String()
}

// ExportJSON renders journal events as formatted JSON.
func ExportJSON(events []Event) ([]byte, error) {
	export := struct {
		Events []Event `json:"events"`
	}{
		Events: chronological(events),
	}
	return json.MarshalIndent(export, "", "  ")
}

// ExportYAML renders journal events as YAML.
func ExportYAML(events []Event) ([]byte, error) {
	export := struct {
		Events []Event `yaml:"events"`
	}{
		Events: chronological(events),
	}
	return yaml.Marshal(export)
}

func chronological(events []Event) []Event {
	out := make([]Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
