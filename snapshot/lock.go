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
	"os"
	"path/filepath"

	"github.com/snapcore/absnap/osutil"
)

// lockedFile is an acquired advisory lock over the state file. The
// state file doubles as the lock file; exclusive holders may write it.
// Locks serialize processes, not goroutines within one process.
type lockedFile struct {
	lock      *osutil.FileLock
	exclusive bool
}

// Close releases the lock.
func (l *lockedFile) Close() error {
	return l.lock.Close()
}

func (l *lockedFile) file() *os.File {
	return l.lock.File()
}

// lockShared opens the state file read-only and takes a shared lock.
func (m *Manager) lockShared() (*lockedFile, error) {
	lock, err := osutil.OpenExistingLockForReading(m.stateFile())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	if err := lock.ReadLock(); err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	return &lockedFile{lock: lock}, nil
}

// lockExclusive opens the state file read-write, creating it if
// needed, and takes an exclusive lock.
func (m *Manager) lockExclusive() (*lockedFile, error) {
	if err := os.MkdirAll(filepath.Dir(m.stateFile()), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	lock, err := osutil.NewFileLockWithMode(m.stateFile(), 0660)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	if err := lock.Lock(); err != nil {
		lock.Close()
		return nil, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	return &lockedFile{lock: lock, exclusive: true}, nil
}
