// Command migrate manages the control plane schema.
//
//	migrate [flags] up|status|version|down
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Donniedarko45/RenderLite/internal/app/migrate"
	"github.com/Donniedarko45/RenderLite/pkg/config"
	"github.com/Donniedarko45/RenderLite/pkg/logger"
)

func main() {
	timeout := flag.Duration("timeout", time.Minute, "overall command timeout")
	target := flag.Int64("target", 0, "down: roll back to this version instead of one step")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	switch command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "version":
		var version int64
		if version, err = runner.Version(ctx); err == nil {
			fmt.Println(version)
		}
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", command, "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed", "command", command)
}
