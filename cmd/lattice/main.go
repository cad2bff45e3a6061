package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/latticehq/lattice/common/version"
	"github.com/latticehq/lattice/internal/lattice/app"
	"github.com/latticehq/lattice/internal/lattice/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("LATTICE_CONFIG"), "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	fmt.Printf("Lattice Control Plane\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	lattice, err := app.New(cfg, app.Options{Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Lattice: %v\n", err)
		os.Exit(1)
	}

	if err := lattice.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Lattice: %v\n", err)
		os.Exit(1)
	}
}
