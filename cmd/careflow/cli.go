// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"

	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	Config  string   `short:"c" help:"Config file path" type:"path"`
	Profile string   `help:"Config profile (loads config.<profile>.yaml next to --config)"`
	Set     []string `help:"Override a config key (key=value, repeatable)" placeholder:"KEY=VALUE" sep:"none"`
	JSON    bool     `help:"Print machine-readable JSON"`

	Stdout io.Writer `kong:"-"`
	Stderr io.Writer `kong:"-"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Serve      ServeCmd      `cmd:"" help:"Serve the HTTP API"`
	Run        RunCmd        `cmd:"" help:"Run a workflow"`
	Contribute ContributeCmd `cmd:"" help:"Collect agent contributions for a goal"`
	Validate   ValidateCmd   `cmd:"" help:"Validate workflow definition files"`
	MCP        MCPCmd        `cmd:"" name:"mcp" help:"Serve workflow tools over MCP stdio"`
	Version    VersionCmd    `cmd:"" help:"Show version information"`
}

// ServeCmd starts the HTTP API.
type ServeCmd struct {
	Addr  string `help:"Listen address (overrides server.addr)"`
	Watch bool   `help:"Reload workflow definitions on change (overrides workflows.watch)"`
}

// RunCmd runs one workflow.
type RunCmd struct {
	Workflow string            `arg:"" optional:"" help:"Catalog workflow id"`
	File     string            `short:"f" help:"Run a definition file instead of a catalog entry" type:"path"`
	Input    map[string]string `short:"i" help:"Input key=value (repeatable)"`
}

// ContributeCmd runs one collaboration round.
type ContributeCmd struct {
	Goal   string   `arg:"" help:"Collaboration goal"`
	Agents []string `short:"a" required:"" help:"Agent ids (comma separated)"`
	Policy string   `help:"Ranking policy (overrides collab.policy)"`
}

// ValidateCmd validates definition files.
type ValidateCmd struct {
	Paths []string `arg:"" optional:"" help:"Definition files or directories (default: workflows.dir)" type:"path"`
}

// MCPCmd serves MCP tools on stdio.
type MCPCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
