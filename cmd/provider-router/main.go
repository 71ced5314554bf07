// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

// Command provider-router runs the AgentWorks LLM gateway: provider
// adapters, routing, usage accounting, and rate limiting behind one
// HTTP surface.
package main

import (
	"log"

	"agentworks/gateway"
)

func main() {
	if err := gateway.Run(); err != nil {
		log.Fatalf("gateway exited: %v", err)
	}
}
