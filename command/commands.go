// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/feedbridge/command/agent"
	"github.com/hashicorp/feedbridge/version"
	colorable "github.com/mattn/go-colorable"
)

const (
	// EnvFeedbridgeAddr is an env var pointing commands at a running
	// agent's ops endpoints.
	EnvFeedbridgeAddr = `FEEDBRIDGE_ADDR`

	// EnvFeedbridgeCLINoColor is an env var that toggles colored UI output.
	EnvFeedbridgeCLINoColor = `FEEDBRIDGE_CLI_NO_COLOR`

	// EnvFeedbridgeCLIForceColor is an env var that forces colored UI output.
	EnvFeedbridgeCLIForceColor = `FEEDBRIDGE_CLI_FORCE_COLOR`
)

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands for feedbridge. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version:    version.GetVersion(),
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"journal": func() (cli.Command, error) {
			return &JournalCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
