// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package isoeditorlib

import (
	"fmt"
)

// Command is one entry of the editing menu.
type Command int

const (
	CommandEditDom0 Command = iota
	CommandEditInitramfs
	CommandEditInstaller
	CommandFinalize
)

// menuCommands is the menu in display order. Finalize is always last.
var menuCommands = []Command{
	CommandEditDom0,
	CommandEditInitramfs,
	CommandEditInstaller,
	CommandFinalize,
}

const menuTitle = "what would you like to do?"

func (c Command) String() string {
	switch c {
	case CommandEditDom0:
		return "edit dom0 rootfs"
	case CommandEditInitramfs:
		return "edit initramfs rootfs"
	case CommandEditInstaller:
		return "edit installer rootfs (parts 1 & 2)"
	case CommandFinalize:
		return "finalize changes"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// Component returns the component an edit command works on.
func (c Command) Component() (ComponentName, error) {
	switch c {
	case CommandEditDom0:
		return ComponentDom0, nil
	case CommandEditInitramfs:
		return ComponentInitramfs, nil
	case CommandEditInstaller:
		return ComponentInstaller, nil
	default:
		return "", fmt.Errorf("command (%s) does not edit a component", c)
	}
}

func menuOptions() []string {
	options := make([]string, len(menuCommands))
	for i, command := range menuCommands {
		options[i] = command.String()
	}
	return options
}
