package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print fleet and queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/status", nil)
	},
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List generation backend instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/instances", nil)
	},
}

var (
	instanceWS  string
	instanceAPI string
)

var instancesAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a generation backend instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/instances", map[string]string{
			"name":    args[0],
			"ws_url":  instanceWS,
			"api_url": instanceAPI,
		})
	},
}

var grpcAddr string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check a node over gRPC health and report whether it leads dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return err
		}
		defer conn.Close()
		client := healthpb.NewHealthClient(conn)

		for _, svc := range []string{"", "axon.dispatcher"} {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
			cancel()
			if err != nil {
				return fmt.Errorf("health check %q failed: %w", svc, err)
			}
			name := svc
			if name == "" {
				name = "node"
			}
			fmt.Printf("%-16s %s\n", name, resp.GetStatus())
		}
		return nil
	},
}

func init() {
	instancesAddCmd.Flags().StringVar(&instanceWS, "ws", "", "Backend websocket base URL, e.g. ws://gpu-1:8188")
	instancesAddCmd.Flags().StringVar(&instanceAPI, "api", "", "Backend HTTP base URL, e.g. http://gpu-1:8188")
	instancesAddCmd.MarkFlagRequired("ws")
	instancesAddCmd.MarkFlagRequired("api")
	instancesCmd.AddCommand(
		instancesAddCmd,
		action("disable", "Stop connecting to an instance", "/instances/%s/disable"),
	)

	healthCmd.Flags().StringVar(&grpcAddr, "grpc", "localhost:9090", "Node gRPC health address")
	rootCmd.AddCommand(statusCmd, instancesCmd, healthCmd)
}
