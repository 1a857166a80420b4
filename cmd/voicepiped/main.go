// Package main starts the voicepipe orchestrator process lifecycle.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	voicepipedcmd "github.com/voicepipe/voicepipe/internal/cmd/voicepiped"
	"github.com/voicepipe/voicepipe/internal/platform/config"
)

func main() {
	args := os.Args[1:]
	sub := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub = args[0]
		args = args[1:]
	}

	cfg, err := voicepipedcmd.ParseConfig(flag.CommandLine, args)
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[VOICEPIPED] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch sub {
	case "start":
		err = voicepipedcmd.Run(ctx, cfg)
	case "test":
		err = voicepipedcmd.RunTest(ctx, cfg)
	case "health":
		err = voicepipedcmd.RunHealth(ctx, cfg)
	default:
		config.Exitf("unknown subcommand %q (want start, test, or health)", sub)
	}
	if err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
