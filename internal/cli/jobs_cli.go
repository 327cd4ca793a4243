package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage jobs in a queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsAddCmd = &cobra.Command{
	Use:   "add <job-name>",
	Short: "Enqueue a job",
	Example: `jobq jobs add send_email --data '{"to":"a@example.com"}' --priority high
jobq jobs add report --queue reports --delay 60000 --attempts 3`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsAdd,
}

var jobsUpdateCmd = &cobra.Command{
	Use:   "update <job-id>",
	Short: "Update a job's status, progress, or data",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsUpdate,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a failed or stuck job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

func init() {
	jobsCmd.PersistentFlags().StringP("queue", "q", "default", "Queue name")

	jobsListCmd.Flags().String("status", "", "Filter by status (waiting, delayed, active, completed, failed, paused, stuck)")
	jobsListCmd.Flags().Int("limit", 50, "Maximum results")

	jobsAddCmd.Flags().String("data", "", "JSON object payload")
	jobsAddCmd.Flags().String("priority", "", "Priority (critical, urgent, high, normal, low)")
	jobsAddCmd.Flags().Int64("delay", 0, "Delay before the job is eligible, in milliseconds")
	jobsAddCmd.Flags().Int("attempts", 0, "Maximum attempts including the first")
	jobsAddCmd.Flags().String("job-id", "", "Caller-chosen job id; an existing id returns the existing job")
	jobsAddCmd.Flags().StringSlice("tags", nil, "Comma-separated tags")
	jobsAddCmd.Flags().Bool("remove-on-complete", false, "Remove the job from the queue once it completes")

	jobsUpdateCmd.Flags().String("status", "", "New status")
	jobsUpdateCmd.Flags().Int("progress", -1, "Progress percentage (0-100)")
	jobsUpdateCmd.Flags().String("data", "", "Replacement JSON object payload")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsAddCmd)
	jobsCmd.AddCommand(jobsUpdateCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
}

func queueFlag(cmd *cobra.Command) string {
	q, _ := cmd.Flags().GetString("queue")
	if q == "" {
		return "default"
	}
	return q
}

func parseDataFlag(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid --data: must be a JSON object: %w", err)
	}
	return data, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	if status != "" {
		if _, err := queue.ParseStatus(status); err != nil {
			return err
		}
	}

	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := queuePath(queueFlag(cmd), "/jobs")
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := adminCall(cmd, http.MethodGet, path, nil, http.StatusOK)
	if err != nil {
		return err
	}
	var result struct {
		Items []*queue.Job `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	switch outputFormat(cmd) {
	case "json":
		return printJSON(result.Items)
	case "csv":
		rows := make([][]string, 0, len(result.Items))
		for _, j := range result.Items {
			rows = append(rows, jobRow(j, false))
		}
		return writeCSVStdout(jobColumns, rows)
	}

	if len(result.Items) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}
	c := colorEnabled()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(jobColumns, "\t"))
	for _, j := range result.Items {
		fmt.Fprintln(w, strings.Join(jobRow(j, c), "\t"))
	}
	return w.Flush()
}

var jobColumns = []string{"ID", "NAME", "STATUS", "PRIORITY", "PROGRESS", "ATTEMPTS", "CREATED"}

func jobRow(j *queue.Job, color bool) []string {
	priority := string(j.Options.Priority)
	if priority == "" {
		priority = string(queue.PriorityNormal)
	}
	return []string{
		j.ID,
		j.Name,
		statusText(string(j.Status), color),
		priority,
		fmt.Sprintf("%d%%", j.Progress),
		fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
		j.CreatedAt.UTC().Format(time.DateTime),
	}
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	body, err := adminCall(cmd, http.MethodGet, queuePath(queueFlag(cmd), "/jobs/"+url.PathEscape(args[0])), nil, http.StatusOK)
	if err != nil {
		return err
	}
	if outputFormat(cmd) == "json" {
		return printJSON(body)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	printJobDetail(&job, colorEnabled())
	return nil
}

func printJobDetail(j *queue.Job, c bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s\t%s\n", bold(label, c), value)
		}
	}
	row("ID:", j.ID)
	row("Queue:", j.Queue)
	row("Name:", j.Name)
	row("Status:", statusText(string(j.Status), c))
	row("Priority:", string(j.Options.Priority))
	row("Progress:", fmt.Sprintf("%d%%", j.Progress))
	row("Attempts:", fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts))
	row("Created:", j.CreatedAt.UTC().Format(time.RFC3339))
	if j.ProcessedAt != nil {
		row("Processed:", j.ProcessedAt.UTC().Format(time.RFC3339))
	}
	if j.CompletedAt != nil {
		row("Completed:", j.CompletedAt.UTC().Format(time.RFC3339))
	}
	if j.FailedAt != nil {
		row("Failed:", j.FailedAt.UTC().Format(time.RFC3339))
	}
	row("Error:", j.Error)
	if len(j.Data) > 0 {
		b, _ := json.Marshal(j.Data)
		row("Data:", string(b))
	}
	if len(j.Result) > 0 {
		row("Result:", string(j.Result))
	}
	w.Flush()
}

func runJobsAdd(cmd *cobra.Command, args []string) error {
	rawData, _ := cmd.Flags().GetString("data")
	priority, _ := cmd.Flags().GetString("priority")
	delay, _ := cmd.Flags().GetInt64("delay")
	attempts, _ := cmd.Flags().GetInt("attempts")
	jobID, _ := cmd.Flags().GetString("job-id")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	removeOnComplete, _ := cmd.Flags().GetBool("remove-on-complete")

	data, err := parseDataFlag(rawData)
	if err != nil {
		return err
	}
	if !queue.Priority(priority).Valid() {
		return fmt.Errorf("invalid --priority %q", priority)
	}
	if delay < 0 {
		return fmt.Errorf("--delay must not be negative")
	}

	payload := queue.JobData{
		Name: args[0],
		Data: data,
		Options: queue.JobOptions{
			Delay:            delay,
			MaxAttempts:      attempts,
			Priority:         queue.Priority(priority),
			Tags:             tags,
			JobID:            jobID,
			RemoveOnComplete: queue.RemovalPolicy{Always: removeOnComplete},
		},
	}
	body, err := adminCall(cmd, http.MethodPost, queuePath(queueFlag(cmd), "/jobs"), payload, http.StatusCreated)
	if err != nil {
		return err
	}
	if outputFormat(cmd) == "json" {
		return printJSON(body)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Job %s added to %s (%s)\n", job.ID, job.Queue, job.Status)
	return nil
}

func runJobsUpdate(cmd *cobra.Command, args []string) error {
	statusRaw, _ := cmd.Flags().GetString("status")
	progress, _ := cmd.Flags().GetInt("progress")
	rawData, _ := cmd.Flags().GetString("data")

	var u queue.JobUpdate
	if statusRaw != "" {
		st, err := queue.ParseStatus(statusRaw)
		if err != nil {
			return err
		}
		u.Status = &st
	}
	if progress >= 0 {
		if progress > 100 {
			return fmt.Errorf("--progress must be between 0 and 100")
		}
		u.Progress = &progress
	}
	data, err := parseDataFlag(rawData)
	if err != nil {
		return err
	}
	u.Data = data
	if u.Status == nil && u.Progress == nil && u.Data == nil {
		return fmt.Errorf("nothing to update: pass --status, --progress, or --data")
	}

	body, err := adminCall(cmd, http.MethodPatch, queuePath(queueFlag(cmd), "/jobs/"+url.PathEscape(args[0])), u, http.StatusOK)
	if err != nil {
		return err
	}
	if outputFormat(cmd) == "json" {
		return printJSON(body)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Job %s updated (%s, %d%%)\n", job.ID, job.Status, job.Progress)
	return nil
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	if _, err := adminCall(cmd, http.MethodDelete, queuePath(queueFlag(cmd), "/jobs/"+url.PathEscape(args[0])), nil, http.StatusNoContent); err != nil {
		return err
	}
	fmt.Printf("Job %s removed\n", args[0])
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	body, err := adminCall(cmd, http.MethodPost, queuePath(queueFlag(cmd), "/jobs/"+url.PathEscape(args[0])+"/retry"), nil, http.StatusOK)
	if err != nil {
		return err
	}
	if outputFormat(cmd) == "json" {
		return printJSON(body)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	fmt.Printf("Job %s re-enqueued as %s (%s)\n", args[0], job.ID, job.Status)
	return nil
}
