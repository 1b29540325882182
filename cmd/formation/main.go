package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	formationcmd "github.com/louisbranch/formation/internal/cmd/formation"
	"github.com/louisbranch/formation/internal/platform/config"
)

func main() {
	cfg, err := formationcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[FORMATION] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := formationcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
