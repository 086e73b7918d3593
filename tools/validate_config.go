//go:build tools
// +build tools

// Package main provides a configuration validation tool for minerwatch.
// It validates a configuration file for correctness and prints the
// resolved values.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"minerwatch/config"
)

func main() {
	path := flag.String("config", "", "Path to config file (default: search paths)")
	flag.Parse()

	if !validate(*path) {
		os.Exit(1)
	}
}

func validate(configPath string) bool {
	fmt.Println("minerwatch Configuration")
	fmt.Println("------------------------")

	if configPath == "" {
		configPath = findConfigFile("minerwatch.yaml")
		if configPath == "" {
			fmt.Println("Status: ⚠️  No config file found (will use defaults + environment)")
			fmt.Println("Search paths:")
			fmt.Println("  - ./minerwatch.yaml")
			fmt.Println("  - ~/.minerwatch/minerwatch.yaml")
			fmt.Println("  - /etc/minerwatch/minerwatch.yaml")
		}
	}
	if configPath != "" {
		fmt.Printf("File: %s\n", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Status: ❌ INVALID\n")
		fmt.Printf("Error: %v\n", err)
		return false
	}

	fmt.Println("Status: ✅ VALID")
	fmt.Println()
	fmt.Println("Loaded Configuration:")
	fmt.Printf("  Database URL set:     %t\n", cfg.Database.URL != "")
	fmt.Printf("  Max Connections:      %d\n", cfg.Database.MaxConnections)
	fmt.Printf("  Idle Timeout:         %v\n", cfg.Database.IdleTimeout)
	fmt.Printf("  Connect Timeout:      %v\n", cfg.Database.ConnectTimeout)
	fmt.Printf("  Connect Retries:      %d\n", cfg.Database.Retries)
	fmt.Printf("  KV URL set:           %t\n", cfg.KV.URL != "")
	fmt.Printf("  Cron Spec:            %s\n", cfg.Uptime.CronSpec)
	fmt.Printf("  Timezone:             %s\n", cfg.Uptime.Timezone)
	fmt.Printf("  Grace Window:         %v\n", cfg.Uptime.Grace)
	fmt.Printf("  Offline Confirm:      %v\n", cfg.Uptime.OfflineConfirm)
	fmt.Printf("  Group Concurrency:    %d\n", cfg.Uptime.Concurrency)
	fmt.Printf("  Status Port:          %d\n", cfg.Status.Port)
	fmt.Printf("  Status Concurrency:   %d\n", cfg.Status.Concurrency)
	fmt.Printf("  Status Cache TTL:     %v\n", cfg.Status.CacheTTL)
	fmt.Printf("  Pool HTTP Timeout:    %v\n", cfg.Pools.HTTPTimeout)
	if cfg.Pools.BinanceBase != "" {
		fmt.Printf("  Binance Base:         %s\n", cfg.Pools.BinanceBase)
	}
	fmt.Printf("  Logging:              level=%s format=%s\n", cfg.Logging.Level, cfg.Logging.Format)

	return true
}

func findConfigFile(filename string) string {
	searchPaths := []string{
		filepath.Join(".", filename),
		filepath.Join(os.Getenv("HOME"), ".minerwatch", filename),
		filepath.Join("/etc/minerwatch", filename),
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
