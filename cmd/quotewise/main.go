// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command quotewise starts the quotewise learning service.
//
// Configuration is read from ~/.quotewise/quotewise.yaml (created with
// defaults on first run) and can be overridden per run with flags and
// environment variables.
//
// # Environment Variables
//
//   - QUOTEWISE_PORT: HTTP server port (default from config)
//   - LLM_BACKEND_TYPE: generation provider - openai, ollama, none
//   - WEAVIATE_SERVICE_URL: Weaviate vector DB URL (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//   - QUOTEWISE_LOG_LEVEL: debug, info, warn, error (default info)
//   - QUOTEWISE_LOG_DIR: daily JSON log file directory (optional)
//
// # Usage
//
//	# Build
//	go build -o quotewise ./cmd/quotewise
//
//	# Run
//	./quotewise serve
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
