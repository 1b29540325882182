package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/formation/internal/cmd/formationctl"
	"github.com/louisbranch/formation/internal/platform/config"
)

func main() {
	log.SetPrefix("[FORMATIONCTL] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := formationctl.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		config.Exitf("formationctl: %v", err)
	}
}
