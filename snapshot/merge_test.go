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
	"fmt"

	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/snapshot"
	"github.com/snapcore/absnap/testutil"
)

type mergeSuite struct {
	baseSnapshotSuite
}

var _ = Suite(&mergeSuite{})

// mergeSetup stages an update, reboots into the new slot, maps the
// partitions and starts the merge.
func (s *mergeSuite) mergeSetup(c *C) {
	s.stage(c, s.sampleManifest(c), "finished")
	s.reboot(c, "_b")
	c.Assert(s.mgr.CreateLogicalAndSnapshotPartitions(s.superPath), IsNil)
	c.Assert(s.mgr.InitiateMerge(), IsNil)
}

func (s *mergeSuite) TestSwitchRecordsKernelCounters(c *C) {
	s.stage(c, s.sampleManifest(c), "finished")
	s.reboot(c, "_b")
	c.Assert(s.mgr.CreateLogicalAndSnapshotPartitions(s.superPath), IsNil)

	s.mapper.mergeStatus["system_b-inner"] = "100/1024 16"
	c.Assert(s.mgr.InitiateMerge(), IsNil)

	status, err := s.mgr.ReadSnapshotStatus("system_b")
	c.Assert(err, IsNil)
	c.Check(status.State, Equals, snapshot.SnapshotStateMerging)
	c.Check(status.SectorsAllocated, Equals, uint64(100))
	c.Check(status.MetadataSectors, Equals, uint64(16))

	// the device now carries a snapshot-merge target
	table, err := s.mapper.Table("system_b-inner")
	c.Assert(err, IsNil)
	c.Assert(table, HasLen, 1)
	c.Check(table[0].TargetType, Equals, "snapshot-merge")
}

func (s *mergeSuite) TestCollapseFailureNeedsReboot(c *C) {
	s.mergeSetup(c)

	// the outer table swap fails, so cleanup cannot finish this boot
	s.mapper.loadErr["system_b"] = fmt.Errorf("device is busy")

	restore := snapshot.MockMergePollInterval(0)
	defer restore()
	state, err := s.mgr.ProcessUpdateState()
	c.Assert(err, IsNil)
	c.Check(state, Equals, snapshot.UpdateStateMergeNeedsReboot)
	c.Check(s.stateFilePath(), testutil.FileEquals, "merge-needs-reboot")

	// completion was recorded before cleanup was attempted, so the
	// next boot will not compose a snapshot again
	status, err := s.mgr.ReadSnapshotStatus("system_b")
	c.Assert(err, IsNil)
	c.Check(status.State, Equals, snapshot.SnapshotStateMergeCompleted)
}

func (s *mergeSuite) TestCleanupRetryAfterReboot(c *C) {
	s.mergeSetup(c)
	s.mapper.loadErr["system_b"] = fmt.Errorf("device is busy")

	restore := snapshot.MockMergePollInterval(0)
	defer restore()
	state, err := s.mgr.ProcessUpdateState()
	c.Assert(err, IsNil)
	c.Check(state, Equals, snapshot.UpdateStateMergeNeedsReboot)

	// after a reboot the stack is gone; the poll retries cleanup and
	// completes
	s.reboot(c, "_b")
	c.Assert(s.mgr.CreateLogicalAndSnapshotPartitions(s.superPath), IsNil)

	state, err = s.mgr.ProcessUpdateState()
	c.Assert(err, IsNil)
	c.Check(state, Equals, snapshot.UpdateStateMergeCompleted)
	c.Check(s.stateFilePath(), testutil.FileEquals, "none")
	c.Check(s.statusFilePath("system_b"), testutil.FileAbsent)
}

func (s *mergeSuite) TestAcknowledgeMergeFailureRace(c *C) {
	// a concurrent success moves the state on; the late failure
	// acknowledgement must not clobber it
	c.Assert(s.mgr.WriteUpdateState(snapshot.UpdateStateMergeCompleted), IsNil)
	s.mgr.AcknowledgeMergeFailure()
	c.Check(s.stateFilePath(), testutil.FileEquals, "merge-completed")

	c.Assert(s.mgr.WriteUpdateState(snapshot.UpdateStateMerging), IsNil)
	s.mgr.AcknowledgeMergeFailure()
	c.Check(s.stateFilePath(), testutil.FileEquals, "merge-failed")
}

func (s *mergeSuite) TestInconsistentMergeCompleteIsFailure(c *C) {
	s.mergeSetup(c)

	// the record claims completion but the kernel still reports
	// outstanding sectors
	status, err := s.mgr.ReadSnapshotStatus("system_b")
	c.Assert(err, IsNil)
	status.State = snapshot.SnapshotStateMergeCompleted
	c.Assert(s.mgr.WriteSnapshotStatus("system_b", status), IsNil)
	s.mapper.mergeStatus["system_b-inner"] = "100/1024 16"

	restore := snapshot.MockMergePollInterval(0)
	defer restore()
	state, err := s.mgr.ProcessUpdateState()
	c.Assert(err, IsNil)
	c.Check(state, Equals, snapshot.UpdateStateMergeFailed)
}

func (s *mergeSuite) TestWrongTargetTypeIsFailure(c *C) {
	s.stage(c, s.sampleManifest(c), "finished")
	s.reboot(c, "_b")
	c.Assert(s.mgr.CreateLogicalAndSnapshotPartitions(s.superPath), IsNil)

	// the merge never switched the target (simulated by writing the
	// merging state directly)
	c.Assert(s.mgr.WriteUpdateState(snapshot.UpdateStateMerging), IsNil)

	restore := snapshot.MockMergePollInterval(0)
	defer restore()
	state, err := s.mgr.ProcessUpdateState()
	c.Assert(err, IsNil)
	c.Check(state, Equals, snapshot.UpdateStateMergeFailed)
}
