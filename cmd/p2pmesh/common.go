package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/mcastellin/p2pmesh/pkg/config"
	"github.com/mcastellin/p2pmesh/pkg/registry"
)

func newLogger() *zap.Logger {
	logger := zap.Must(zap.NewProduction())
	if os.Getenv("P2PMESH_DEBUG") != "" {
		logger = zap.Must(zap.NewDevelopment())
	}
	return logger
}

func loadConfigOrExit(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// registryPolicy maps the config string to a registry.Policy, defaulting to
// Composite for unrecognized values.
func registryPolicy(name string) registry.Policy {
	switch registry.Policy(name) {
	case registry.LastWriteWins, registry.VectorClock, registry.OriginPriority, registry.HealthPriority, registry.Composite:
		return registry.Policy(name)
	default:
		return registry.Composite
	}
}
