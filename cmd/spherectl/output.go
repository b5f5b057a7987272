package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aquilax/truncate"
	"github.com/matheus3301/sphere/internal/api"
)

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(st api.Status) {
	fmt.Printf("Session:  %s\n", st.Session)
	fmt.Printf("Identity: %s\n", st.Identity)
	fmt.Printf("State:    %s\n", st.State)
	if st.Context.Key != "" {
		fmt.Printf("Context:  %s\n", describeContext(st.Context))
	} else {
		fmt.Printf("Context:  (none)\n")
	}
	fmt.Printf("Messages: %d (%d pending, %d failed)\n", st.Messages, st.Pending, st.Failed)
	if st.Typing {
		fmt.Printf("Typing:   %s\n", st.TypingSender)
	}
	if st.HistoryError != "" {
		fmt.Printf("History:  %s\n", st.HistoryError)
	}
	fmt.Printf("Uptime:   %s\n", st.Uptime.Round(time.Second))
}

func describeContext(c api.ContextInfo) string {
	if c.Name != "" {
		return fmt.Sprintf("%s (%s)", c.Name, c.Key)
	}
	return c.Key
}

// formatMessage renders one timeline line. Content is flattened to a single
// line and cut to width characters.
func formatMessage(m api.Message, width int) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	if width > 0 {
		content = truncate.Truncate(content, width, "…", truncate.PositionEnd)
	}
	mark := ""
	switch m.State {
	case "pending":
		mark = " [pending " + m.ProvisionalID + "]"
	case "failed":
		mark = " [failed " + m.ProvisionalID + "]"
	}
	return fmt.Sprintf("%s  %-16s %s%s", m.Timestamp.Local().Format("15:04:05"), m.Sender, content, mark)
}

func formatEvent(evt api.Event) string {
	keys := make([]string, 0, len(evt.Payload))
	for k := range evt.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, evt.Payload[k]))
	}
	return fmt.Sprintf("%s %-26s %s", evt.OccurredAt.Local().Format("15:04:05.000"), evt.Kind, strings.Join(parts, " "))
}

func printEntries(entries []api.Entry) error {
	if jsonOut {
		return outputJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("None.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-12s %s\n", e.ID, e.Name)
	}
	return nil
}
