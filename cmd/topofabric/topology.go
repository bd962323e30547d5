package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/topofabric/pkg/api"
	"github.com/cuemby/topofabric/pkg/client"
	"github.com/spf13/cobra"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Inspect the virtual topology and its fabric placement",
}

var topologyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show connected topologies and network placements",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}
		view, err := c.Topology(cmd.Context())
		if err != nil {
			return err
		}
		printTopology(os.Stdout, view)
		return nil
	},
}

var topologyBindingCmd = &cobra.Command{
	Use:   "binding PORT",
	Short: "Show where a port is bound in the fabric",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		c, err := client.NewClient(addr)
		if err != nil {
			return err
		}
		b, err := c.Binding(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Port:             %s\n", b.PortID)
		fmt.Printf("Network:          %s\n", b.NetworkID)
		fmt.Printf("Routing domain:   %s\n", b.RoutingDomain)
		if b.BridgingDomain != "" {
			fmt.Printf("Bridging domain:  %s\n", b.BridgingDomain)
		}
		if b.EndpointGroup != "" {
			fmt.Printf("Endpoint group:   %s\n", b.EndpointGroup)
		}
		if b.ExternalGateway != "" {
			fmt.Printf("External gateway: %s\n", b.ExternalGateway)
		}
		return nil
	},
}

func init() {
	topologyCmd.AddCommand(topologyShowCmd)
	topologyCmd.AddCommand(topologyBindingCmd)
	addrFlag(topologyShowCmd)
	addrFlag(topologyBindingCmd)
}

func printTopology(w io.Writer, view *api.TopologyView) {
	fmt.Fprintf(w, "Topologies: %d\n", len(view.Components))
	table := newTable(w)
	table.SetHeader([]string{"#", "ROUTERS", "NETWORKS", "INTERFACES"})
	for i, c := range view.Components {
		table.Append([]string{
			strconv.Itoa(i + 1),
			strings.Join(c.Routers, ","),
			strings.Join(c.Networks, ","),
			strconv.Itoa(c.Interfaces),
		})
	}
	table.Render()

	fmt.Fprintf(w, "\nNetworks: %d\n", len(view.Networks))
	table = newTable(w)
	table.SetHeader([]string{"ID", "KIND", "TENANT", "ROUTING DOMAIN", "ROUTED"})
	for _, n := range view.Networks {
		table.Append([]string{n.ID, n.Kind, n.Tenant, n.RoutingDomain, strconv.FormatBool(n.Routed)})
	}
	table.Render()
}
