// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/quotewise/cmd/quotewise/config"
	"github.com/AleutianAI/quotewise/pkg/logging"
	"github.com/AleutianAI/quotewise/services/learning"
)

// --- Global Command Variables ---
var (
	port        int
	dataDir     string
	backendType string
	ginMode     string

	rootCmd = &cobra.Command{
		Use:   "quotewise",
		Short: "A cli to run the quotewise continual-learning service",
		Long: `Quotewise learns an organization's quoting behavior from interaction
events and serves personalized price predictions that improve with use.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the learning service HTTP server",
		Run:   runServe, // Defined below
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the quotewise version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("quotewise " + version)
		},
	}
)

const version = "0.3.0"

func init() {
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "embedded database directory (overrides config)")
	serveCmd.Flags().StringVar(&backendType, "backend", "", "generation backend: openai, ollama, none")
	serveCmd.Flags().StringVar(&ginMode, "gin-mode", "", "gin mode: debug, release, test")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	lg := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("QUOTEWISE_LOG_LEVEL")),
		Service: "learning",
		LogDir:  os.Getenv("QUOTEWISE_LOG_DIR"),
		JSON:    true,
	})
	defer lg.Close()
	logger := lg.Slog()
	slog.SetDefault(logger)

	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg := learning.Config{
		Port:          config.Global.Server.Port,
		DataDir:       config.Global.Storage.DataDir,
		LLMBackend:    config.Global.ModelBackend.Type,
		WeaviateURL:   config.Global.VectorDB.URL,
		OTelEndpoint:  config.Global.Observability.OTelEndpoint,
		EnableMetrics: config.Global.Observability.EnableMetrics,
		GinMode:       config.Global.Server.GinMode,
		Logger:        logger,
	}

	// Environment and flag overrides, flags winning.
	if v := getEnvInt("QUOTEWISE_PORT", 0); v != 0 {
		cfg.Port = v
	}
	if v := os.Getenv("LLM_BACKEND_TYPE"); v != "" {
		cfg.LLMBackend = v
	}
	if v := os.Getenv("WEAVIATE_SERVICE_URL"); v != "" {
		cfg.WeaviateURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTelEndpoint = v
	}
	if port != 0 {
		cfg.Port = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backendType != "" {
		cfg.LLMBackend = backendType
	}
	if ginMode != "" {
		cfg.GinMode = ginMode
	}

	slog.Info("Starting quotewise learning service",
		"port", cfg.Port,
		"llm_backend", cfg.LLMBackend,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := learning.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create learning service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Learning service error: %v", err)
	}
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
