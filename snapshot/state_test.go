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

package snapshot_test

import (
	"errors"

	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/snapshot"
)

type stateSuite struct{}

var _ = Suite(&stateSuite{})

func (s *stateSuite) TestUpdateStateRoundTrip(c *C) {
	// every non-cancelled state round-trips
	for _, state := range []snapshot.UpdateState{
		snapshot.UpdateStateNone,
		snapshot.UpdateStateInitiated,
		snapshot.UpdateStateUnverified,
		snapshot.UpdateStateMerging,
		snapshot.UpdateStateMergeNeedsReboot,
		snapshot.UpdateStateMergeCompleted,
		snapshot.UpdateStateMergeFailed,
	} {
		parsed, err := snapshot.ParseUpdateState(state.String())
		c.Assert(err, IsNil, Commentf("state %s", state))
		c.Check(parsed, Equals, state)
	}
}

func (s *stateSuite) TestUpdateStateTokens(c *C) {
	for token, state := range map[string]snapshot.UpdateState{
		"":                   snapshot.UpdateStateNone,
		"none":               snapshot.UpdateStateNone,
		"initiated":          snapshot.UpdateStateInitiated,
		"unverified":         snapshot.UpdateStateUnverified,
		"merging":            snapshot.UpdateStateMerging,
		"merge-needs-reboot": snapshot.UpdateStateMergeNeedsReboot,
		"merge-completed":    snapshot.UpdateStateMergeCompleted,
		"merge-failed":       snapshot.UpdateStateMergeFailed,
	} {
		parsed, err := snapshot.ParseUpdateState(token)
		c.Assert(err, IsNil, Commentf("token %q", token))
		c.Check(parsed, Equals, state)
	}
}

func (s *stateSuite) TestUpdateStateUnknownToken(c *C) {
	_, err := snapshot.ParseUpdateState("cancelled")
	c.Check(errors.Is(err, snapshot.ErrCorruptState), Equals, true)
	_, err = snapshot.ParseUpdateState("bogus")
	c.Check(errors.Is(err, snapshot.ErrCorruptState), Equals, true)
}

func (s *stateSuite) TestStatusRoundTrip(c *C) {
	status := &snapshot.Status{
		State:            snapshot.SnapshotStateMerging,
		DeviceSize:       8192,
		SnapshotSize:     4096,
		CowPartitionSize: 4096,
		CowFileSize:      8192,
		SectorsAllocated: 100,
		MetadataSectors:  16,
	}
	line := snapshot.FormatStatus(status)
	c.Check(line, Equals, "merging 8192 4096 4096 8192 100 16")

	parsed, err := snapshot.ParseStatus(line)
	c.Assert(err, IsNil)
	c.Check(parsed, DeepEquals, status)
}

func (s *stateSuite) TestStatusFormat(c *C) {
	status := &snapshot.Status{
		State:        snapshot.SnapshotStateCreated,
		DeviceSize:   8192,
		SnapshotSize: 4096,
		CowFileSize:  4096,
	}
	c.Check(snapshot.FormatStatus(status), Equals, "created 8192 4096 0 4096 0 0")
}

func (s *stateSuite) TestStatusParseErrors(c *C) {
	for _, line := range []string{
		"",
		"created",
		"created 1 2 3 4 5",
		"created 1 2 3 4 5 6 7",
		"bogus 8192 4096 0 4096 0 0",
		"created x 4096 0 4096 0 0",
		"created 8192 4096 0 4096 0 -1",
	} {
		_, err := snapshot.ParseStatus(line)
		c.Check(errors.Is(err, snapshot.ErrCorruptState), Equals, true, Commentf("line %q", line))
	}
}

func (s *stateSuite) TestSnapshotDeviceName(c *C) {
	full := &snapshot.Status{DeviceSize: 8192, SnapshotSize: 8192}
	c.Check(snapshot.SnapshotDeviceName("system_b", full), Equals, "system_b")

	partial := &snapshot.Status{DeviceSize: 8192, SnapshotSize: 4096}
	c.Check(snapshot.SnapshotDeviceName("system_b", partial), Equals, "system_b-inner")
}
