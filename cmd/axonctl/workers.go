package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage GPU workers",
}

var workersListStatus string

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers, optionally by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/workers"
		if workersListStatus != "" {
			path += "?status=" + url.QueryEscape(workersListStatus)
		}
		return call(http.MethodGet, path, nil)
	},
}

var workersGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/workers/"+args[0], nil)
	},
}

var workersHealthCmd = &cobra.Command{
	Use:   "health <id>",
	Short: "Show the status history of a worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/workers/"+args[0]+"/health", nil)
	},
}

func init() {
	workersListCmd.Flags().StringVar(&workersListStatus, "status", "", "Filter by status (IDLE, BUSY, ...)")
	workersCmd.AddCommand(
		workersListCmd,
		workersGetCmd,
		workersHealthCmd,
		action("approve", "Approve a pending worker", "/workers/%s/approve"),
		action("drain", "Stop assigning jobs to a worker", "/workers/%s/drain"),
		action("decommission", "Retire a worker", "/workers/%s/decommission"),
		action("enable", "Enable a worker", "/workers/%s/enable"),
		action("disable", "Disable a worker", "/workers/%s/disable"),
	)
	rootCmd.AddCommand(workersCmd)
}
