package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/spf13/cobra"
)

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Inspect and control queues",
}

var queuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open queues with their counts",
	RunE:  runQueuesList,
}

var queuesStatsCmd = &cobra.Command{
	Use:   "stats <queue>",
	Short: "Show statistics for one queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuesStats,
}

var queuesPauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Stop handing out jobs from a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runQueuesPause(cmd, args[0], true) },
}

var queuesResumeCmd = &cobra.Command{
	Use:   "resume <queue>",
	Short: "Resume a paused queue",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runQueuesPause(cmd, args[0], false) },
}

var queuesCleanCmd = &cobra.Command{
	Use:   "clean <queue>",
	Short: "Remove finished jobs whose removal policy has come due",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuesClean,
}

var queuesEmptyCmd = &cobra.Command{
	Use:   "empty <queue>",
	Short: "Delete every job and reset counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueuesEmpty,
}

func init() {
	queuesEmptyCmd.Flags().Bool("yes", false, "Skip the confirmation check")

	queuesCmd.AddCommand(queuesListCmd)
	queuesCmd.AddCommand(queuesStatsCmd)
	queuesCmd.AddCommand(queuesPauseCmd)
	queuesCmd.AddCommand(queuesResumeCmd)
	queuesCmd.AddCommand(queuesCleanCmd)
	queuesCmd.AddCommand(queuesEmptyCmd)
}

type queueSummary struct {
	Name  string       `json:"name"`
	Stats *queue.Stats `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
}

var queueColumns = []string{"QUEUE", "WAITING", "DELAYED", "ACTIVE", "COMPLETED", "FAILED", "STUCK", "TOTAL", "PAUSED"}

func queueRow(name string, st *queue.Stats) []string {
	if st == nil {
		return []string{name, "-", "-", "-", "-", "-", "-", "-", "-"}
	}
	return []string{
		name,
		strconv.Itoa(st.Waiting),
		strconv.Itoa(st.Delayed),
		strconv.Itoa(st.Active),
		strconv.Itoa(st.Completed),
		strconv.Itoa(st.Failed),
		strconv.Itoa(st.Stuck),
		strconv.Itoa(st.Total),
		strconv.FormatBool(st.IsPaused),
	}
}

func runQueuesList(cmd *cobra.Command, _ []string) error {
	body, err := adminCall(cmd, http.MethodGet, "/api/admin/queues", nil, http.StatusOK)
	if err != nil {
		return err
	}
	var result struct {
		Items []queueSummary `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	rows := make([][]string, 0, len(result.Items))
	for _, q := range result.Items {
		rows = append(rows, queueRow(q.Name, q.Stats))
	}
	switch outputFormat(cmd) {
	case "json":
		return printJSON(result.Items)
	case "csv":
		return writeCSVStdout(queueColumns, rows)
	}

	if len(rows) == 0 {
		fmt.Println("No queues open.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(queueColumns, "\t"))
	for i, row := range rows {
		line := strings.Join(row, "\t")
		if msg := result.Items[i].Error; msg != "" {
			line += "\t" + msg
		}
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

func runQueuesStats(cmd *cobra.Command, args []string) error {
	body, err := adminCall(cmd, http.MethodGet, queuePath(args[0], "/stats"), nil, http.StatusOK)
	if err != nil {
		return err
	}
	var st queue.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	switch outputFormat(cmd) {
	case "json":
		return printJSON(body)
	case "csv":
		return writeCSVStdout(
			[]string{"queue", "waiting", "delayed", "active", "completed", "failed", "paused", "stuck", "total",
				"added", "removed", "processed", "failed_total", "avg_processing_ms", "is_paused"},
			[][]string{{
				args[0], strconv.Itoa(st.Waiting), strconv.Itoa(st.Delayed), strconv.Itoa(st.Active),
				strconv.Itoa(st.Completed), strconv.Itoa(st.Failed), strconv.Itoa(st.Paused), strconv.Itoa(st.Stuck),
				strconv.Itoa(st.Total), strconv.FormatInt(st.Added, 10), strconv.FormatInt(st.Removed, 10),
				strconv.FormatInt(st.Processed, 10), strconv.FormatInt(st.FailedTotal, 10),
				strconv.FormatFloat(st.AvgProcessingMs, 'f', 1, 64), strconv.FormatBool(st.IsPaused),
			}})
	}

	c := colorEnabled()
	fmt.Printf("Queue %s\n", boldCyan(args[0], c))
	fmt.Println("─────────────────────")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Waiting:\t%d\n", st.Waiting)
	fmt.Fprintf(w, "  Delayed:\t%d\n", st.Delayed)
	fmt.Fprintf(w, "  Active:\t%d\n", st.Active)
	fmt.Fprintf(w, "  Completed:\t%d\n", st.Completed)
	fmt.Fprintf(w, "  Failed:\t%d\n", st.Failed)
	fmt.Fprintf(w, "  Paused:\t%d\n", st.Paused)
	fmt.Fprintf(w, "  Stuck:\t%d\n", st.Stuck)
	fmt.Fprintf(w, "  Total:\t%d\n", st.Total)
	fmt.Fprintf(w, "  Added:\t%d\n", st.Added)
	fmt.Fprintf(w, "  Removed:\t%d\n", st.Removed)
	fmt.Fprintf(w, "  Processed:\t%d\n", st.Processed)
	fmt.Fprintf(w, "  Failed (total):\t%d\n", st.FailedTotal)
	fmt.Fprintf(w, "  Avg processing:\t%.1fms\n", st.AvgProcessingMs)
	if st.IsPaused {
		fmt.Fprintf(w, "  State:\t%s\n", yellow("paused", c))
	} else {
		fmt.Fprintf(w, "  State:\t%s\n", green("running", c))
	}
	return w.Flush()
}

func runQueuesPause(cmd *cobra.Command, name string, pause bool) error {
	action := "/resume"
	if pause {
		action = "/pause"
	}
	if _, err := adminCall(cmd, http.MethodPost, queuePath(name, action), nil, http.StatusOK); err != nil {
		return err
	}
	if pause {
		fmt.Printf("Queue %s paused\n", name)
	} else {
		fmt.Printf("Queue %s resumed\n", name)
	}
	return nil
}

func runQueuesClean(cmd *cobra.Command, args []string) error {
	body, err := adminCall(cmd, http.MethodPost, queuePath(args[0], "/clean"), nil, http.StatusOK)
	if err != nil {
		return err
	}
	var result struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if outputFormat(cmd) == "json" {
		return printJSON(result)
	}
	fmt.Printf("Removed %d job(s) from %s\n", result.Removed, args[0])
	return nil
}

func runQueuesEmpty(cmd *cobra.Command, args []string) error {
	yes, _ := cmd.Flags().GetBool("yes")
	if !yes {
		return fmt.Errorf("refusing to delete every job in %q without --yes", args[0])
	}
	if _, err := adminCall(cmd, http.MethodPost, queuePath(args[0], "/empty"), nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Printf("Queue %s emptied\n", args[0])
	return nil
}
