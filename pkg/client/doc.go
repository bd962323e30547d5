/*
Package client provides a Go client for the topofabric HTTP API.

The client is what the topofabric CLI uses to talk to a running node. It
wraps the JSON endpoints of pkg/api in typed methods and turns non-2xx
answers into *Error values that keep the API's reason code.

# Usage

	c, err := client.NewClient("localhost:9090")
	if err != nil {
		return err
	}

	resp, err := c.ApplyCommands(ctx, cmds)
	if client.IsReason(err, "address_overlap") {
		fmt.Printf("applied %d, rejected %s: %v\n", resp.Applied, resp.Failed, err)
	}

	report, err := c.Reconcile(ctx, true)
	if err != nil {
		return err
	}
	for _, d := range report.Discrepancies {
		fmt.Println(d.Kind, d.Subject, d.Repaired)
	}

# Health

CheckHealth queries the node's gRPC health service directly:

	st, err := client.CheckHealth(ctx, "localhost:9091", api.EngineService)
	if err == nil && st == healthpb.HealthCheckResponse_SERVING {
		// the node leads the cluster
	}

# Errors

Every rejected request yields an *Error carrying the HTTP status and the
API's reason code (address_overlap, topology_conflict, not_found,
not_leader, ...). A rejected command batch also returns the partial
CommandsResponse, since the commands before the rejected one stay applied.
*/
package client
