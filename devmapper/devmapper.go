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

// Package devmapper talks to the kernel device-mapper to compose
// virtual block devices from tables of linear and snapshot targets.
package devmapper

import (
	"errors"
	"time"
)

// ErrDeviceNotFound is returned when the named device does not exist.
var ErrDeviceNotFound = errors.New("device-mapper device not found")

// A Mapper creates, activates, inspects and removes device-mapper
// devices. The engine receives a Mapper explicitly so that tests can
// substitute a fake.
type Mapper interface {
	// CreateDevice creates the named device, loads the table and
	// activates it, then waits up to timeout for the device node to
	// appear and returns its path. A zero timeout skips the wait. On
	// activation failure the half-created device is removed.
	CreateDevice(name string, table *Table, timeout time.Duration) (path string, err error)

	// LoadTableAndActivate atomically swaps the active table of an
	// existing device, without tearing it down.
	LoadTableAndActivate(name string, table *Table) error

	// RemoveDeviceIfExists removes the named device, treating a
	// missing device as success.
	RemoveDeviceIfExists(name string) error

	// DeviceExists reports whether the named device exists.
	DeviceExists(name string) bool

	// Table returns the active table of the named device.
	Table(name string) ([]TargetInfo, error)

	// Status returns the per-target status of the named device.
	Status(name string) ([]TargetInfo, error)

	// DeviceString returns a "major:minor" string for the named
	// device, usable as the backing device of another target.
	DeviceString(name string) (string, error)

	// DevicePath returns the device node path of the named device.
	DevicePath(name string) (string, error)
}
