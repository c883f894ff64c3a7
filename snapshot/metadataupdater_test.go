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

	"github.com/snapcore/absnap/manifest"
	"github.com/snapcore/absnap/partmd"
	"github.com/snapcore/absnap/snapshot"
)

type metadataUpdaterSuite struct {
	baseSnapshotSuite
}

var _ = Suite(&metadataUpdaterSuite{})

func (s *metadataUpdaterSuite) builderForUpdate(c *C) *partmd.Builder {
	b, err := partmd.NewBuilderForUpdate(s.superPath, 0, 1)
	c.Assert(err, IsNil)
	return b
}

func (s *metadataUpdaterSuite) TestResizeExisting(c *C) {
	b := s.builderForUpdate(c)
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
partitions:
  - name: system
    size: 16384
    group: main
`))
	c.Assert(err, IsNil)
	c.Assert(snapshot.UpdateTargetMetadata(b, man, "_b"), IsNil)

	p := b.FindPartition("system_b")
	c.Assert(p, NotNil)
	c.Check(p.Size(), Equals, uint64(16384))
	c.Check(p.Attributes&partmd.AttrUpdated, Equals, partmd.AttrUpdated)
	// the dedicated cow group exists and is unlimited
	g := b.FindGroup(snapshot.CowGroupName)
	c.Assert(g, NotNil)
	c.Check(g.MaximumSize, Equals, uint64(0))
}

func (s *metadataUpdaterSuite) TestAddsNewPartition(c *C) {
	b := s.builderForUpdate(c)
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
partitions:
  - name: system
    size: 8192
    group: main
  - name: vendor
    size: 4096
    group: main
`))
	c.Assert(err, IsNil)
	c.Assert(snapshot.UpdateTargetMetadata(b, man, "_b"), IsNil)

	p := b.FindPartition("vendor_b")
	c.Assert(p, NotNil)
	c.Check(p.Size(), Equals, uint64(4096))
	c.Check(p.Group, Equals, "main_b")
}

func (s *metadataUpdaterSuite) TestRemovesDroppedPartition(c *C) {
	b := s.builderForUpdate(c)
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
partitions: []
`))
	c.Assert(err, IsNil)
	c.Assert(snapshot.UpdateTargetMetadata(b, man, "_b"), IsNil)
	c.Check(b.FindPartition("system_b"), IsNil)
}

func (s *metadataUpdaterSuite) TestGroupResizeBeforePartitionResize(c *C) {
	b := s.builderForUpdate(c)
	// the manifest both bounds the group and grows the partition to
	// exactly the new budget
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
    maximum-size: 16384
partitions:
  - name: system
    size: 16384
    group: main
`))
	c.Assert(err, IsNil)
	c.Assert(snapshot.UpdateTargetMetadata(b, man, "_b"), IsNil)
	p := b.FindPartition("system_b")
	c.Assert(p, NotNil)
	c.Check(p.Size(), Equals, uint64(16384))
}

func (s *metadataUpdaterSuite) TestGroupBudgetEnforced(c *C) {
	b := s.builderForUpdate(c)
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
    maximum-size: 4096
partitions:
  - name: system
    size: 16384
    group: main
`))
	c.Assert(err, IsNil)
	err = snapshot.UpdateTargetMetadata(b, man, "_b")
	c.Check(errors.Is(err, snapshot.ErrMetadataInvalid), Equals, true)
}

func (s *metadataUpdaterSuite) TestTooLargeForSuper(c *C) {
	b := s.builderForUpdate(c)
	man, err := manifest.Parse([]byte(`
groups:
  - name: main
partitions:
  - name: system
    size: 33554432
    group: main
`))
	c.Assert(err, IsNil)
	err = snapshot.UpdateTargetMetadata(b, man, "_b")
	c.Check(errors.Is(err, snapshot.ErrMetadataInvalid), Equals, true)
}

func (s *metadataUpdaterSuite) TestRejectsRetrofitLayout(c *C) {
	// a layout whose block device 0 is not the super partition is a
	// retrofit arrangement the engine refuses
	m, err := partmd.ReadMetadata(s.superPath, 0)
	c.Assert(err, IsNil)
	m.BlockDevices[0].Name = "system_other"
	b, err := partmd.NewBuilder(m)
	c.Assert(err, IsNil)

	err = snapshot.UpdateTargetMetadata(b, s.sampleManifest(c), "_b")
	c.Check(errors.Is(err, snapshot.ErrMetadataInvalid), Equals, true)
}
