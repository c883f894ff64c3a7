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
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/snapcore/absnap/manifest"
)

type cmdBeginUpdate struct{}

func init() {
	addCommand("begin-update",
		"Begin a new update",
		"The begin-update command starts a new update cycle, discarding any previous update that never committed.",
		func() flags.Commander { return &cmdBeginUpdate{} })
}

func (x *cmdBeginUpdate) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.BeginUpdate()
}

type cmdCancelUpdate struct{}

func init() {
	addCommand("cancel-update",
		"Cancel the current update",
		"The cancel-update command discards the current update; it fails once merging has started.",
		func() flags.Commander { return &cmdCancelUpdate{} })
}

func (x *cmdCancelUpdate) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.CancelUpdate()
}

type cmdCreateSnapshots struct {
	Positional struct {
		Manifest string `positional-arg-name:"<manifest>" description:"update manifest file"`
	} `positional-args:"yes" required:"yes"`
}

func init() {
	addCommand("create-snapshots",
		"Create snapshots for an update manifest",
		"The create-snapshots command rewrites the target slot's partition table from the manifest and allocates the COW backing storage.",
		func() flags.Commander { return &cmdCreateSnapshots{} })
}

func (x *cmdCreateSnapshots) Execute(args []string) error {
	man, err := manifest.Load(x.Positional.Manifest)
	if err != nil {
		return err
	}
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.CreateUpdateSnapshots(man)
}

type cmdMap struct {
	Timeout time.Duration `long:"timeout" default:"10s" description:"how long to wait for device nodes"`

	Positional struct {
		Partition string `positional-arg-name:"<partition>" description:"target partition name, with slot suffix"`
	} `positional-args:"yes" required:"yes"`
}

func init() {
	addCommand("map",
		"Map a target partition for writing",
		"The map command composes the snapshot device stack of one target partition and prints its path.",
		func() flags.Commander { return &cmdMap{} })
}

func (x *cmdMap) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	path, err := mgr.MapUpdateSnapshot(x.Positional.Partition, x.Timeout)
	if err != nil {
		return err
	}
	fmt.Fprintln(Stdout, path)
	return nil
}

type cmdUnmap struct {
	Positional struct {
		Partition string `positional-arg-name:"<partition>" description:"target partition name, with slot suffix"`
	} `positional-args:"yes" required:"yes"`
}

func init() {
	addCommand("unmap",
		"Unmap a target partition",
		"The unmap command tears down the snapshot device stack of one target partition.",
		func() flags.Commander { return &cmdUnmap{} })
}

func (x *cmdUnmap) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.UnmapUpdateSnapshot(x.Positional.Partition)
}

type cmdFinish struct{}

func init() {
	addCommand("finish",
		"Record that all snapshot writes finished",
		"The finish command writes the boot indicator and moves the update to the unverified state, ready for a reboot into the new slot.",
		func() flags.Commander { return &cmdFinish{} })
}

func (x *cmdFinish) Execute(args []string) error {
	mgr, err := getSnapshotManager(false)
	if err != nil {
		return err
	}
	return mgr.FinishedSnapshotWrites()
}
