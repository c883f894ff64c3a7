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

package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/snapcore/absnap/osutil"
)

func (m *Manager) stateFile() string {
	return filepath.Join(m.metaDir, "state")
}

func (m *Manager) bootIndicatorFile() string {
	return filepath.Join(m.metaDir, "snapshot-boot")
}

func (m *Manager) snapshotsDir() string {
	return filepath.Join(m.metaDir, "snapshots")
}

func (m *Manager) statusFile(name string) string {
	return filepath.Join(m.snapshotsDir(), name)
}

// readUpdateState reads the persisted update state under the given
// lock.
func (m *Manager) readUpdateState(lf *lockedFile) (UpdateState, error) {
	// reset the position since some callers read and write
	if _, err := lf.file().Seek(0, io.SeekStart); err != nil {
		return UpdateStateNone, fmt.Errorf("%w: cannot seek state file: %v", ErrCorruptState, err)
	}
	data, err := io.ReadAll(lf.file())
	if err != nil {
		return UpdateStateNone, fmt.Errorf("%w: cannot read state file: %v", ErrCorruptState, err)
	}
	return parseUpdateState(strings.TrimSpace(string(data)))
}

// writeUpdateState persists the update state; the caller must hold the
// exclusive lock.
func (m *Manager) writeUpdateState(lf *lockedFile, state UpdateState) error {
	if !lf.exclusive {
		return fmt.Errorf("%w: writing update state requires the exclusive lock", ErrInvalidTransition)
	}
	if state == UpdateStateCancelled {
		return fmt.Errorf("%w: the cancelled state is never persisted", ErrInvalidTransition)
	}
	f := lf.file()
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("cannot truncate state file: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("cannot seek state file: %v", err)
	}
	if _, err := f.WriteString(state.String()); err != nil {
		return fmt.Errorf("cannot write state file: %v", err)
	}
	return f.Sync()
}

// readSnapshotStatus reads the status record of one snapshot.
func (m *Manager) readSnapshotStatus(lf *lockedFile, name string) (*Status, error) {
	path := m.statusFile(name)
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open snapshot status of %q: %v", name, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("cannot read snapshot status of %q: %v", name, err)
	}
	status, err := parseStatus(string(data))
	if err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", name, err)
	}
	return status, nil
}

// writeSnapshotStatus persists the status record of one snapshot; the
// caller must hold the exclusive lock.
func (m *Manager) writeSnapshotStatus(lf *lockedFile, name string, status *Status) error {
	if !lf.exclusive {
		return fmt.Errorf("%w: writing snapshot status requires the exclusive lock", ErrInvalidTransition)
	}
	if err := os.MkdirAll(m.snapshotsDir(), 0755); err != nil {
		return fmt.Errorf("cannot create snapshots directory: %v", err)
	}
	path := m.statusFile(name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0660)
	if err != nil {
		return fmt.Errorf("cannot open snapshot status of %q: %v", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(status.format()); err != nil {
		return fmt.Errorf("cannot write snapshot status of %q: %v", name, err)
	}
	return f.Sync()
}

// listSnapshots returns the names of all snapshots with a status
// record, sorted.
func (m *Manager) listSnapshots(lf *lockedFile) ([]string, error) {
	entries, err := os.ReadDir(m.snapshotsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot list snapshots: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// statusFileExists reports whether a status record exists for name.
func (m *Manager) statusFileExists(name string) bool {
	return osutil.FileExists(m.statusFile(name))
}

// readBootIndicator returns the slot suffix recorded at
// FinishedSnapshotWrites.
func (m *Manager) readBootIndicator() (string, error) {
	data, err := os.ReadFile(m.bootIndicatorFile())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (m *Manager) writeBootIndicator(suffix string) error {
	return osutil.AtomicWriteFile(m.bootIndicatorFile(), []byte(suffix), 0644, 0)
}

// removeBootIndicator removes the boot indicator; a missing file is
// not an error.
func (m *Manager) removeBootIndicator() error {
	return osutil.RemoveFileIfExists(m.bootIndicatorFile())
}
