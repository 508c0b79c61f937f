package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"QuantServe/internal/di"
	"QuantServe/pkg/config"
)

const defaultConfigPath = "config/config.yaml"

func main() {
	path := flag.String("config", "", "config file path (default $QUANTSERVE_CONFIG or "+defaultConfigPath+")")
	check := flag.Bool("check", false, "load and validate the config, then exit")
	flag.Parse()

	cfg, err := config.LoadWithEnv(resolveConfigPath(*path, os.Getenv))
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *check {
		fmt.Printf("config ok: env=%s port=%d cache=%s kafka=%t clickhouse=%t\n",
			cfg.Environment, cfg.Server.Port, cfg.Cache.Backend, cfg.Kafka.Enabled, cfg.ClickHouse.Enabled)
		return
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	// blocks until SIGINT/SIGTERM
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}

// resolveConfigPath prefers the flag, then QUANTSERVE_CONFIG.
func resolveConfigPath(flagValue string, getenv func(string) string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := getenv(config.EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}
