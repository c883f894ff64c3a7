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
	"github.com/jessevdk/go-flags"

	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/snapshot"
)

type cmdFirstStageMount struct{}

func init() {
	addCommand("first-stage-mount",
		"Compose the booted slot's partitions at boot",
		"The first-stage-mount command maps every partition of the booted slot, with snapshots where an update is pending. It is meant to run from the initramfs, before udev and other services are up.",
		func() flags.Commander { return &cmdFirstStageMount{} })
}

func (x *cmdFirstStageMount) Execute(args []string) error {
	// nothing to do at all if no update is anywhere in flight; this
	// check needs no managers and no locking
	if !snapshot.IsSnapshotManagerNeeded() {
		logger.Debugf("no update pending, skipping snapshot composition")
		return nil
	}

	mgr, err := getSnapshotManager(true)
	if err != nil {
		return err
	}
	needed, err := mgr.NeedSnapshotsInFirstStageMount()
	if err != nil {
		return err
	}
	if !needed {
		logger.Noticef("snapshots not wanted for this boot")
		return nil
	}

	superDevice, err := currentSuperDevice()
	if err != nil {
		return err
	}
	return mgr.CreateLogicalAndSnapshotPartitions(superDevice)
}
