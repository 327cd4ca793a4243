package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/allyourbase/jobq/internal/jobs"
	"github.com/spf13/cobra"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "List and toggle cron schedules",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all schedules",
	RunE:  runSchedulesList,
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSchedulesToggle(cmd, args[0], true) },
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runSchedulesToggle(cmd, args[0], false) },
}

func init() {
	schedulesCmd.AddCommand(schedulesListCmd)
	schedulesCmd.AddCommand(schedulesEnableCmd)
	schedulesCmd.AddCommand(schedulesDisableCmd)
}

func runSchedulesList(cmd *cobra.Command, _ []string) error {
	body, err := adminCall(cmd, http.MethodGet, "/api/admin/schedules", nil, http.StatusOK)
	if err != nil {
		return err
	}
	var result struct {
		Items []jobs.Schedule `json:"items"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	cols := []string{"NAME", "QUEUE", "JOB", "CRON", "TIMEZONE", "ENABLED", "NEXT RUN"}
	rows := make([][]string, 0, len(result.Items))
	for _, s := range result.Items {
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.UTC().Format(time.DateTime)
		}
		rows = append(rows, []string{s.Name, s.Queue, s.JobName, s.CronExpr, s.Timezone, strconv.FormatBool(s.Enabled), next})
	}

	switch outputFormat(cmd) {
	case "json":
		return printJSON(result.Items)
	case "csv":
		return writeCSVStdout(cols, rows)
	}

	if len(rows) == 0 {
		fmt.Println("No schedules found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tQUEUE\tJOB\tCRON\tTIMEZONE\tENABLED\tNEXT RUN")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r[0], r[1], r[2], r[3], r[4], r[5], r[6])
	}
	return w.Flush()
}

func runSchedulesToggle(cmd *cobra.Command, name string, enabled bool) error {
	action := "/disable"
	if enabled {
		action = "/enable"
	}
	if _, err := adminCall(cmd, http.MethodPost, "/api/admin/schedules/"+url.PathEscape(name)+action, nil, http.StatusOK); err != nil {
		return err
	}
	if enabled {
		fmt.Printf("Schedule %q enabled\n", name)
	} else {
		fmt.Printf("Schedule %q disabled\n", name)
	}
	return nil
}
