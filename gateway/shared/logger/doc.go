// Copyright 2025 AgentWorks
// SPDX-License-Identifier: Apache-2.0

/*
Package logger provides structured JSON logging with multi-tenant support
for AgentWorks gateway services.

# Overview

The logger outputs single-line JSON to stdout, making logs easily
consumable by CloudWatch, ELK stack, or other log aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (gateway, aggregator, etc.)
  - Instance ID and container name (for distributed tracing)
  - Workspace ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("gateway")

Log messages with workspace and request context:

	log.Info("ws-123", "req-456", "Routing completion", map[string]interface{}{
	    "provider": "openai",
	    "model":    "gpt-4o",
	})

Log errors with status codes:

	log.ErrorWithCode("ws-123", "req-456", "Provider call failed", 502, err, map[string]interface{}{
	    "provider": "anthropic",
	})

Log with duration tracking:

	start := time.Now()
	// ... do work ...
	log.InfoWithDuration("ws-123", "req-456", "Request completed",
	    float64(time.Since(start).Milliseconds()), nil)

# Output Format

Log entries are output as single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"gateway-xyz",
	 "workspace_id":"ws-123","request_id":"req-456",
	 "message":"Routing completion","fields":{"provider":"openai"}}

# Environment Variables

The logger reads these environment variables:

  - INSTANCE_ID: Deployment instance identifier
  - HOSTNAME: Container hostname (auto-detected)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
