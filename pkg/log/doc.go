/*
Package log provides structured logging for topofabric using zerolog.

A single global Logger is configured once through Init. Every package derives
a child logger tagged with its component name, and hot paths add the router or
network they are working on:

	logger := log.WithComponent("engine")
	logger.Info().
		Str("router_id", routerID).
		Str("vrf", vrf.String()).
		Msg("Router interface attached")

# Configuration

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})

JSON output is meant for production, the console writer for terminals. The
level is global: zerolog.SetGlobalLevel filters every derived logger.

# Fields

The engine uses a small fixed vocabulary so log lines can be joined across
components:

  - component: package emitting the line (engine, move, vrf, reconciler, ...)
  - router_id, network_id, subnet_id: virtual object ids
  - vrf, from, to: routing domain refs in kind:tenant/name form
  - op, attempt: unit of work name and retry attempt
*/
package log
