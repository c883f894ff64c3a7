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

package osutil_test

import (
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/osutil"
)

type flockSuite struct{}

var _ = Suite(&flockSuite{})

// Test that opening and closing a lock works as expected.
func (s *flockSuite) TestNewFileLock(c *C) {
	lockPath := filepath.Join(c.MkDir(), "name.lock")
	lock, err := osutil.NewFileLock(lockPath)
	c.Assert(err, IsNil)
	defer lock.Close()

	c.Check(lock.Path(), Equals, lockPath)

	fi, err := os.Stat(lockPath)
	c.Assert(err, IsNil)
	c.Check(fi.Mode().IsRegular(), Equals, true)
	c.Check(fi.Mode().Perm(), Equals, os.FileMode(0600))
}

// Test that opening an existing lock in read-only mode works.
func (s *flockSuite) TestOpenExistingLockForReading(c *C) {
	lockPath := filepath.Join(c.MkDir(), "name.lock")
	_, err := osutil.OpenExistingLockForReading(lockPath)
	c.Assert(err, NotNil)
	c.Check(os.IsNotExist(err), Equals, true)

	lock, err := osutil.NewFileLock(lockPath)
	c.Assert(err, IsNil)
	lock.Close()

	lock, err = osutil.OpenExistingLockForReading(lockPath)
	c.Assert(err, IsNil)
	defer lock.Close()

	// the lock can be locked for reading
	c.Check(lock.ReadLock(), IsNil)
	c.Check(lock.Unlock(), IsNil)
}

// Test that locking a locked lock does nothing.
func (s *flockSuite) TestLockLocked(c *C) {
	lock, err := osutil.NewFileLock(filepath.Join(c.MkDir(), "name.lock"))
	c.Assert(err, IsNil)
	defer lock.Close()

	// NOTE: technically this replaces the lock type but we only use one
	// process in this test.
	c.Assert(lock.Lock(), IsNil)
	c.Assert(lock.Lock(), IsNil)
	c.Assert(lock.Unlock(), IsNil)
}

// Test that unlocking an unlocked lock does nothing.
func (s *flockSuite) TestUnlockUnlocked(c *C) {
	lock, err := osutil.NewFileLock(filepath.Join(c.MkDir(), "name.lock"))
	c.Assert(err, IsNil)
	defer lock.Close()

	c.Assert(lock.Unlock(), IsNil)
}

// Test that TryLock reports ErrAlreadyLocked when the lock is held
// elsewhere.
func (s *flockSuite) TestTryLock(c *C) {
	lockPath := filepath.Join(c.MkDir(), "name.lock")
	lock, err := osutil.NewFileLock(lockPath)
	c.Assert(err, IsNil)
	defer lock.Close()

	c.Assert(lock.TryLock(), IsNil)

	// a second open of the same file conflicts with the held lock
	other, err := osutil.NewFileLock(lockPath)
	c.Assert(err, IsNil)
	defer other.Close()
	c.Check(other.TryLock(), Equals, osutil.ErrAlreadyLocked)

	c.Assert(lock.Unlock(), IsNil)
}
