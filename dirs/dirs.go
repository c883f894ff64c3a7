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

// Package dirs holds the paths used by absnap, all relative to a
// settable root directory so that tests never touch the real system.
package dirs

import (
	"path/filepath"
)

var (
	// GlobalRootDir is the root directory for all other paths.
	GlobalRootDir string

	// MetaDir is the engine's metadata directory; the engine has
	// exclusive ownership of everything below it.
	MetaDir string

	// StateFile holds the persisted update state and doubles as the
	// engine's lock file.
	StateFile string

	// BootIndicatorFile holds the slot suffix recorded when snapshot
	// writes finished; its presence means an update awaits first boot
	// or is mid-lifecycle.
	BootIndicatorFile string

	// SnapshotsDir holds one status file per snapshotted partition.
	SnapshotsDir string

	// ImagesDir is the backing directory for file-backed COW images.
	ImagesDir string

	// RunDir holds runtime state such as loop-device association
	// records.
	RunDir string

	// SocketPath is the absnapd control socket.
	SocketPath string

	// ConfFile is the absnapd configuration file.
	ConfFile string

	// DevDir is where block device nodes appear.
	DevDir string
)

func init() {
	SetRootDir("/")
}

// SetRootDir allows settings a new global root directory. This is useful
// for testing.
func SetRootDir(rootdir string) {
	if rootdir == "" {
		panic("SetRootDir called with empty string")
	}
	GlobalRootDir = rootdir

	MetaDir = filepath.Join(rootdir, "var/lib/absnap")
	StateFile = filepath.Join(MetaDir, "state")
	BootIndicatorFile = filepath.Join(MetaDir, "snapshot-boot")
	SnapshotsDir = filepath.Join(MetaDir, "snapshots")
	ImagesDir = filepath.Join(rootdir, "var/lib/absnap/images")
	RunDir = filepath.Join(rootdir, "run/absnap")
	SocketPath = filepath.Join(RunDir, "absnapd.socket")
	ConfFile = filepath.Join(rootdir, "etc/absnap/absnap.conf")
	DevDir = filepath.Join(rootdir, "dev")
}
