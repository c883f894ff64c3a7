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
	"github.com/snapcore/absnap/logger"
)

// cleanups records the devices, images and status records created
// during a multi-step operation. If the operation fails the recorded
// actions run in reverse creation order; on success Release drops
// them so the created resources are kept.
type cleanups struct {
	actions []cleanupAction
}

type cleanupAction struct {
	name string
	undo func() error
}

func (c *cleanups) add(name string, undo func() error) {
	c.actions = append(c.actions, cleanupAction{name: name, undo: undo})
}

// addUnmapDevice schedules removal of a mapper device.
func (c *cleanups) addUnmapDevice(m *Manager, name string) {
	c.add(name, func() error {
		return m.mapper.RemoveDeviceIfExists(name)
	})
}

// addUnmapImage schedules unmapping of a backing image.
func (c *cleanups) addUnmapImage(m *Manager, name string) {
	c.add(name, func() error {
		return m.images.UnmapImageIfExists(name)
	})
}

// addDeleteSnapshot schedules deletion of a whole snapshot.
func (c *cleanups) addDeleteSnapshot(m *Manager, lf *lockedFile, name string) {
	c.add(name, func() error {
		return m.deleteSnapshot(lf, name)
	})
}

// run destroys the recorded resources in reverse creation order;
// newer resources may depend on older ones.
func (c *cleanups) run() {
	for i := len(c.actions) - 1; i >= 0; i-- {
		a := c.actions[i]
		if err := a.undo(); err != nil {
			logger.Noticef("cannot clean up %q: %v", a.name, err)
		}
	}
	c.actions = nil
}

// release drops the recorded actions without running them.
func (c *cleanups) release() {
	c.actions = nil
}
