package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/topofabric/pkg/client"
	"github.com/cuemby/topofabric/pkg/manager"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply topology events from a YAML file",
	Long: `Apply a sequence of topology events from a YAML file.

Each document lists events in the order they happened. They are submitted
as one batch per document; the node applies them in order and stops at the
first rejected event.

Example:
  apiVersion: topofabric/v1
  kind: Events
  events:
    - op: network_create
      data:
        network: {id: n1, tenant_id: t1, name: web}
        subnets:
          - {id: s1, cidr: 10.0.0.0/24, ip_version: 4}
    - op: router_create
      data: {id: r1, tenant_id: t1}
    - op: router_interface_add
      data: {router_id: r1, network_id: n1, subnet_ids: [s1]}

  topofabric apply -f events.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required, - for stdin)")
	addrFlag(applyCmd)
	_ = applyCmd.MarkFlagRequired("file")
}

// EventsDocument is one YAML document of topology events
type EventsDocument struct {
	APIVersion string       `yaml:"apiVersion"`
	Kind       string       `yaml:"kind"`
	Events     []EventEntry `yaml:"events"`
}

// EventEntry is a manager command in YAML form
type EventEntry struct {
	Op   string `yaml:"op"`
	Data any    `yaml:"data"`
}

// parseEvents decodes every document of r into command batches
func parseEvents(r io.Reader) ([][]manager.Command, error) {
	dec := yaml.NewDecoder(r)
	var batches [][]manager.Command
	for i := 0; ; i++ {
		var doc EventsDocument
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML document %d: %w", i+1, err)
		}
		if doc.Kind != "" && doc.Kind != "Events" {
			return nil, fmt.Errorf("document %d: unsupported kind: %s", i+1, doc.Kind)
		}

		cmds := make([]manager.Command, 0, len(doc.Events))
		for j, ev := range doc.Events {
			if ev.Op == "" {
				return nil, fmt.Errorf("document %d, event %d: op is required", i+1, j+1)
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				return nil, fmt.Errorf("document %d, event %d (%s): %w", i+1, j+1, ev.Op, err)
			}
			cmds = append(cmds, manager.Command{Op: ev.Op, Data: data})
		}
		if len(cmds) > 0 {
			batches = append(batches, cmds)
		}
	}
	return batches, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	addr, _ := cmd.Flags().GetString("addr")

	var data []byte
	var err error
	if filename == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(filename)
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	batches, err := parseEvents(bytes.NewReader(data))
	if err != nil {
		return err
	}

	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}

	total := 0
	for _, batch := range batches {
		resp, err := c.ApplyCommands(cmd.Context(), batch)
		if resp != nil {
			total += resp.Applied
		}
		if err != nil {
			if resp != nil && resp.Failed != "" {
				fmt.Printf("✗ Event %d (%s) rejected: %s\n", total+1, resp.Failed, resp.Error)
			}
			return fmt.Errorf("applied %d events before failure: %w", total, err)
		}
	}

	fmt.Printf("✓ Applied %d events\n", total)
	return nil
}
