// Package main starts the collaborative document sync service and handles
// termination.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	collabcmd "github.com/louisbranch/fracturing-collab/internal/cmd/collab"
	"github.com/louisbranch/fracturing-collab/internal/platform/config"
	platformgrpc "github.com/louisbranch/fracturing-collab/internal/platform/grpc"
	"github.com/louisbranch/fracturing-collab/internal/platform/timeouts"
	server "github.com/louisbranch/fracturing-collab/internal/services/collab/app"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the running service's gRPC health endpoint and exit")
	cfg, err := collabcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}

	if *healthcheck {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.HealthProbe)
		defer cancel()
		if err := platformgrpc.Probe(ctx, probeAddr(cfg.HealthAddr), server.HealthService); err != nil {
			cancel()
			config.Exitf("healthcheck: %v", err)
		}
		return
	}

	log.SetPrefix("[COLLAB] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := collabcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

// probeAddr turns a listen address like ":8091" into a dialable one.
func probeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
