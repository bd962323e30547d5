package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show readiness and health of a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")

		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}
		ready, err := c.Ready(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Status: %s\n", ready.Status)
		if ready.Message != "" {
			fmt.Printf("Message: %s\n", ready.Message)
		}
		names := make([]string, 0, len(ready.Checks))
		for name := range ready.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-11s %s\n", name+":", ready.Checks[name])
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		st, err := client.CheckHealth(ctx, grpcAddr, api.EngineService)
		if err != nil {
			fmt.Printf("  %-11s unreachable (%v)\n", "grpc:", err)
		} else {
			fmt.Printf("  %-11s %s\n", "grpc:", st)
		}

		if ready.Status != "ready" {
			return fmt.Errorf("node is not ready")
		}
		return nil
	},
}

func init() {
	addrFlag(statusCmd)
	statusCmd.Flags().String("grpc-addr", "localhost:9091", "gRPC health address of the node")
}
