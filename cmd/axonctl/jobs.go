package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and control generation jobs",
}

var (
	submitType     string
	submitPriority int
	submitParams   string
)

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(submitParams)) {
			return fmt.Errorf("--params must be valid JSON")
		}
		return call(http.MethodPost, "/jobs", map[string]interface{}{
			"job_type":   submitType,
			"priority":   submitPriority,
			"parameters": json.RawMessage(submitParams),
		})
	},
}

var (
	listStatus string
	listType   string
	listLimit  int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listType != "" {
			q.Set("type", listType)
		}
		q.Set("limit", fmt.Sprint(listLimit))
		return call(http.MethodGet, "/jobs?"+q.Encode(), nil)
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/jobs/"+args[0], nil)
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the status transitions of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/jobs/"+args[0]+"/transitions", nil)
	},
}

var jobsDiagnosticsCmd = &cobra.Command{
	Use:   "diagnostics <id>",
	Short: "Show the failure diagnostic of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/jobs/"+args[0]+"/diagnostics", nil)
	},
}

var jobsCheckpointsCmd = &cobra.Command{
	Use:   "checkpoints <id>",
	Short: "List the stage checkpoints of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/jobs/"+args[0]+"/checkpoints", nil)
	},
}

func init() {
	jobsSubmitCmd.Flags().StringVar(&submitType, "type", "", "Job type")
	jobsSubmitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Higher runs first")
	jobsSubmitCmd.Flags().StringVar(&submitParams, "params", "{}", "Job parameters as JSON")
	jobsSubmitCmd.MarkFlagRequired("type")

	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	jobsListCmd.Flags().StringVar(&listType, "type", "", "Filter by job type")
	jobsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum jobs to show")

	jobsCmd.AddCommand(
		jobsSubmitCmd,
		jobsListCmd,
		jobsGetCmd,
		jobsHistoryCmd,
		jobsDiagnosticsCmd,
		jobsCheckpointsCmd,
		action("cancel", "Cancel a job", "/jobs/%s/cancel"),
		action("retry", "Retry a failed or cancelled job", "/jobs/%s/retry"),
		action("pause", "Pause a running job", "/jobs/%s/pause"),
		action("resume", "Requeue a paused job", "/jobs/%s/resume"),
	)
	rootCmd.AddCommand(jobsCmd)
}
