package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent server logs",
	Long: `Display log lines buffered by a running jobq server.

Examples:
  jobq logs                   # Show the last 100 log lines
  jobq logs -n 20             # Show the last 20 log lines
  jobq logs --level error     # Only errors`,
	RunE: runLogs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show jobq server statistics",
	RunE:  runStats,
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 100, "Number of log lines to show")
	logsCmd.Flags().String("level", "", "Minimum level (debug, info, warn, error)")
}

type logEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// filterLogs keeps entries at or above level and returns at most the last n.
func filterLogs(entries []logEntry, level string, n int) []logEntry {
	floor := levelRank[strings.ToUpper(level)]
	out := make([]logEntry, 0, len(entries))
	for _, e := range entries {
		if levelRank[strings.ToUpper(e.Level)] >= floor {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func runLogs(cmd *cobra.Command, _ []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	level, _ := cmd.Flags().GetString("level")
	if level != "" {
		if _, ok := levelRank[strings.ToUpper(level)]; !ok {
			return fmt.Errorf("invalid --level %q", level)
		}
	}

	body, err := adminCall(cmd, http.MethodGet, "/api/admin/logs", nil, http.StatusOK)
	if err != nil {
		return err
	}
	var result struct {
		Entries []logEntry `json:"entries"`
		Message string     `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	entries := filterLogs(result.Entries, level, lines)

	if outputFormat(cmd) == "json" {
		return printJSON(entries)
	}
	if result.Message != "" && len(entries) == 0 {
		fmt.Println(result.Message)
		return nil
	}

	c := colorEnabled()
	for _, e := range entries {
		lvl := fmt.Sprintf("%-5s", e.Level)
		switch strings.ToUpper(e.Level) {
		case "ERROR":
			lvl = bold(lvl, c)
		case "WARN":
			lvl = yellow(lvl, c)
		default:
			lvl = dim(lvl, c)
		}
		fmt.Printf("%s %s %s%s\n", dim(e.Time.UTC().Format(time.TimeOnly), c), lvl, e.Message, formatAttrs(e.Attrs))
	}
	return nil
}

func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}

func runStats(cmd *cobra.Command, _ []string) error {
	body, err := adminCall(cmd, http.MethodGet, "/api/admin/stats", nil, http.StatusOK)
	if err != nil {
		return err
	}

	format := outputFormat(cmd)
	if format == "json" {
		return printJSON(body)
	}
	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if format == "csv" {
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = fmt.Sprint(stats[k])
		}
		return writeCSVStdout(keys, [][]string{vals})
	}

	fmt.Println("jobq Server Statistics")
	fmt.Println("──────────────────────")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s:\t%v\n", k, stats[k])
	}
	return w.Flush()
}
