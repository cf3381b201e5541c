// Package conclave provides an A2A-native coordination runtime for
// autonomous agents.
//
// A conclave node exposes the Agent-to-Agent (A2A) protocol over JSON-RPC
// and Server-Sent Events: it accepts messages, runs them as durable tasks
// against pluggable workers, streams progress events to any number of
// subscribers, and checkpoints both task state and worker state so that
// interrupted work survives a restart. A node may also run the built-in
// orchestrator, which decomposes a request into a plan and fans the steps
// out to peer agents over the same protocol.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/conclave-ai/conclave/cmd/conclave@latest
//
// Create a node configuration:
//
//	agent:
//	  name: "Currency Agent"
//	  description: "Converts between currencies"
//	  version: "1.0.0"
//	  skills:
//	    - id: currency_exchange
//	      name: "Currency Exchange"
//	      tags: [currency, exchange, rates]
//
//	server:
//	  host: 0.0.0.0
//	  port: 10000
//
// Start the node:
//
//	conclave serve --config node.yaml
//
// Send it a message:
//
//	conclave call send http://localhost:10000 "How much is 100 USD in EUR?"
//
// # Using as a Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/conclave-ai/conclave/pkg/a2a"
//	    "github.com/conclave-ai/conclave/pkg/runtime"
//	    "github.com/conclave-ai/conclave/pkg/worker"
//	)
//
// Implement worker.Worker to plug your own reasoning engine into the task
// lifecycle; the runtime handles the protocol, streaming, and durability.
//
// # Architecture
//
// Client → JSON-RPC dispatcher → task manager → worker adapter → worker
//
// Progress flows back through per-task event queues to SSE subscribers and
// to the checkpoint synchronizer. The orchestrator is itself a worker that
// uses the peer client to reach other nodes.
package conclave
