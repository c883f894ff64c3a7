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
	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/manifest"
	"github.com/snapcore/absnap/partmd"
	"github.com/snapcore/absnap/snapshot"
)

type sizingSuite struct {
	baseSnapshotSuite
}

var _ = Suite(&sizingSuite{})

func (s *sizingSuite) planFor(c *C, man *manifest.Manifest) (*snapshot.Status, []partmd.Region) {
	current, err := partmd.ReadMetadata(s.superPath, 0)
	c.Assert(err, IsNil)
	target, err := partmd.NewBuilderForUpdate(s.superPath, 0, 1)
	c.Assert(err, IsNil)
	c.Assert(snapshot.UpdateTargetMetadata(target, man, "_b"), IsNil)

	partition := target.FindPartition(man.Partitions[0].Name + "_b")
	c.Assert(partition, NotNil)
	status, regions, err := snapshot.PlanCowSizes(target, current, partition, &man.Partitions[0], "_a", "_b")
	c.Assert(err, IsNil)
	return status, regions
}

func (s *sizingSuite) TestCowEstimate(c *C) {
	// one data chunk, two bookkeeping chunks, two chunks of slack
	c.Check(snapshot.CowEstimate(4096), Equals, uint64(5*4096))
	c.Check(snapshot.CowEstimate(1), Equals, uint64(5*4096))
	// 256 data chunks still fit one exception chunk
	c.Check(snapshot.CowEstimate(4096*256), Equals, uint64((256+2+2)*4096))
	// the estimate is always chunk-aligned, hence sector-aligned
	for _, size := range []uint64{1, 511, 512, 4095, 4096, 1 << 20} {
		c.Check(snapshot.CowEstimate(size)%512, Equals, uint64(0))
	}
}

func (s *sizingSuite) TestPlanPrefersInSuperCow(c *C) {
	status, regions := s.planFor(c, s.sampleManifest(c))
	c.Check(status.DeviceSize, Equals, uint64(8192))
	c.Check(status.SnapshotSize, Equals, uint64(4096))
	// the super has ample free space, everything fits in super
	c.Check(status.CowPartitionSize, Equals, snapshot.CowEstimate(4096))
	c.Check(status.CowFileSize, Equals, uint64(0))
	c.Check(len(regions) > 0, Equals, true)
}

func (s *sizingSuite) TestPlanNewPartitionNeedsNoCow(c *C) {
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
partitions:
  - name: brandnew
    size: 8192
    group: main
    operations:
      - type: replace
        dst-extents:
          - offset: 0
            length: 8192
`))
	c.Assert(err, IsNil)

	// no partition named brandnew_a exists: the target occupies only
	// newly allocated regions
	status, _ := s.planFor(c, man)
	c.Check(status.DeviceSize, Equals, uint64(8192))
	c.Check(status.SnapshotSize, Equals, uint64(0))
	c.Check(status.CowPartitionSize, Equals, uint64(0))
	c.Check(status.CowFileSize, Equals, uint64(0))
}

func (s *sizingSuite) TestPlanNoOperations(c *C) {
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
partitions:
  - name: system
    size: 8192
    group: main
`))
	c.Assert(err, IsNil)

	// no operation list means nothing is written, so nothing needs
	// shadowing
	status, _ := s.planFor(c, man)
	c.Check(status.SnapshotSize, Equals, uint64(0))
}
