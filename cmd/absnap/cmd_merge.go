// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v2"
)

// Stdout is overridden in tests.
var Stdout io.Writer = os.Stdout

type cmdInitiateMerge struct{}

func init() {
	addCommand("initiate-merge",
		"Start merging the snapshots",
		"The initiate-merge command switches every snapshot to a merge target. It requires a successful boot into the new slot.",
		func() flags.Commander { return &cmdInitiateMerge{} })
}

func (x *cmdInitiateMerge) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.InitiateMerge()
}

type cmdWait struct{}

func init() {
	addCommand("wait",
		"Wait for the merge to reach a terminal state",
		"The wait command polls the merge until it completes, fails, or needs a reboot, and prints the final state.",
		func() flags.Commander { return &cmdWait{} })
}

func (x *cmdWait) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	state, err := mgr.ProcessUpdateState()
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, state)
	return nil
}

type cmdState struct {
	Format string `long:"format" default:"text" choice:"text" choice:"yaml" description:"output format"`
}

func init() {
	addCommand("state",
		"Print the update state",
		"The state command prints the persisted update state and merge progress.",
		func() flags.Commander { return &cmdState{} })
}

func (x *cmdState) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	var progress float64
	state, err := mgr.GetUpdateState(&progress)
	if err != nil {
		return err
	}
	if x.Format == "yaml" {
		out, err := yaml.Marshal(map[string]interface{}{
			"state":    state.String(),
			"progress": progress,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(Stdout, string(out))
		return nil
	}
	fmt.Fprintf(Stdout, "%s %.1f\n", state, progress)
	return nil
}

type cmdDump struct{}

func init() {
	addCommand("dump",
		"Dump the engine state",
		"The dump command prints the persisted update state, boot indicator, and every snapshot status record.",
		func() flags.Commander { return &cmdDump{} })
}

func (x *cmdDump) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.Dump(Stdout)
}
