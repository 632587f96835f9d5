// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the careflow CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Build-time variables (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := CLI{Globals: Globals{Stdout: os.Stdout, Stderr: os.Stderr}}
	kctx := kong.Parse(&cli,
		kong.Name("careflow"),
		kong.Description("Healthcare administration workflows run by cooperating agents."),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}
