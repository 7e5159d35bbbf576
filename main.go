// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/feedbridge/command"
	"github.com/hashicorp/feedbridge/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	return RunCustom(args)
}

// RunCustom allows passing in a base command to be used.
func RunCustom(args []string) int {
	// Create the meta object
	metaPtr := new(command.Meta)

	// The feedbridge agent never outputs color
	agentUi := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	metaPtr.SetupUi(args)

	commands := command.Commands(metaPtr, agentUi)
	cli := &cli.CLI{
		Name:         "feedbridge",
		Version:      version.GetVersion().FullVersionNumber(true),
		Args:         args,
		Commands:     commands,
		Autocomplete: true,
		HelpFunc:     cli.BasicHelpFunc("feedbridge"),
		HelpWriter:   os.Stdout,
	}

	exitCode, err := cli.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
