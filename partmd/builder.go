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

package partmd

import (
	"fmt"
	"sort"
	"strings"
)

// Region is a half-open sector range [Start, End) on the super device.
type Region struct {
	Start uint64
	End   uint64
}

// Length returns the region length in sectors.
func (r Region) Length() uint64 {
	return r.End - r.Start
}

// A Builder mutates a copy of one metadata slot: adding, removing and
// resizing groups and partitions, allocating extents from the free
// space of the super device.
type Builder struct {
	geometry     Geometry
	blockDevices []BlockDevice
	groups       []*Group
	partitions   []*Partition
}

// NewBuilder creates a builder over a deep copy of the given metadata.
func NewBuilder(m *Metadata) (*Builder, error) {
	if len(m.BlockDevices) == 0 {
		return nil, fmt.Errorf("cannot build on metadata without block devices")
	}
	b := &Builder{
		geometry:     m.Geometry,
		blockDevices: append([]BlockDevice(nil), m.BlockDevices...),
	}
	for i := range m.Groups {
		g := m.Groups[i]
		b.groups = append(b.groups, &g)
	}
	for i := range m.Partitions {
		p := m.Partitions[i]
		p.Extents = append([]Extent(nil), m.Partitions[i].Extents...)
		b.partitions = append(b.partitions, &p)
	}
	return b, nil
}

// NewBuilderForUpdate reads the current slot's metadata and prepares
// the target slot's table from it: names carrying the current slot
// suffix are re-suffixed to the target slot.
func NewBuilderForUpdate(superPath string, currentSlot, targetSlot int) (*Builder, error) {
	m, err := ReadMetadata(superPath, currentSlot)
	if err != nil {
		return nil, err
	}
	currentSuffix, err := SuffixForSlot(currentSlot)
	if err != nil {
		return nil, err
	}
	targetSuffix, err := SuffixForSlot(targetSlot)
	if err != nil {
		return nil, err
	}
	for i := range m.Groups {
		m.Groups[i].Name = resuffix(m.Groups[i].Name, currentSuffix, targetSuffix)
	}
	for i := range m.Partitions {
		m.Partitions[i].Name = resuffix(m.Partitions[i].Name, currentSuffix, targetSuffix)
		m.Partitions[i].Group = resuffix(m.Partitions[i].Group, currentSuffix, targetSuffix)
	}
	return NewBuilder(m)
}

func resuffix(name, from, to string) string {
	if strings.HasSuffix(name, from) {
		return name[:len(name)-len(from)] + to
	}
	return name
}

// SuperDevice returns the block device hosting all extents.
func (b *Builder) SuperDevice() *BlockDevice {
	return &b.blockDevices[0]
}

// ListGroups returns all group names.
func (b *Builder) ListGroups() []string {
	names := make([]string, 0, len(b.groups))
	for _, g := range b.groups {
		names = append(names, g.Name)
	}
	return names
}

// FindGroup returns the named group or nil.
func (b *Builder) FindGroup(name string) *Group {
	for _, g := range b.groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// FindPartition returns the named partition or nil.
func (b *Builder) FindPartition(name string) *Partition {
	for _, p := range b.partitions {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ListPartitionsInGroup returns the partitions belonging to the named
// group.
func (b *Builder) ListPartitionsInGroup(group string) []*Partition {
	var ret []*Partition
	for _, p := range b.partitions {
		if p.Group == group {
			ret = append(ret, p)
		}
	}
	return ret
}

// ListPartitionsWithSuffix returns the partitions whose name ends in
// suffix.
func (b *Builder) ListPartitionsWithSuffix(suffix string) []*Partition {
	var ret []*Partition
	for _, p := range b.partitions {
		if strings.HasSuffix(p.Name, suffix) {
			ret = append(ret, p)
		}
	}
	return ret
}

// AddGroup adds a new group; maximumSize zero means unlimited.
func (b *Builder) AddGroup(name string, maximumSize uint64) error {
	if b.FindGroup(name) != nil {
		return fmt.Errorf("cannot add group %q: already exists", name)
	}
	b.groups = append(b.groups, &Group{Name: name, MaximumSize: maximumSize})
	return nil
}

// ChangeGroupSize updates a group's size budget.
func (b *Builder) ChangeGroupSize(name string, maximumSize uint64) error {
	g := b.FindGroup(name)
	if g == nil {
		return fmt.Errorf("cannot resize group %q: no such group", name)
	}
	g.MaximumSize = maximumSize
	return nil
}

// RemoveGroupAndPartitions removes a group together with its member
// partitions. The "default" group is never removed.
func (b *Builder) RemoveGroupAndPartitions(name string) {
	if name == "default" {
		return
	}
	groups := b.groups[:0]
	for _, g := range b.groups {
		if g.Name != name {
			groups = append(groups, g)
		}
	}
	b.groups = groups
	partitions := b.partitions[:0]
	for _, p := range b.partitions {
		if p.Group != name {
			partitions = append(partitions, p)
		}
	}
	b.partitions = partitions
}

// AddPartition adds a new zero-sized partition to the given group.
func (b *Builder) AddPartition(name, group string, attributes uint32) (*Partition, error) {
	if b.FindPartition(name) != nil {
		return nil, fmt.Errorf("cannot add partition %q: already exists", name)
	}
	if b.FindGroup(group) == nil {
		return nil, fmt.Errorf("cannot add partition %q: no group named %q", name, group)
	}
	p := &Partition{Name: name, Group: group, Attributes: attributes}
	b.partitions = append(b.partitions, p)
	return p, nil
}

// RemovePartition removes the named partition if present.
func (b *Builder) RemovePartition(name string) {
	partitions := b.partitions[:0]
	for _, p := range b.partitions {
		if p.Name != name {
			partitions = append(partitions, p)
		}
	}
	b.partitions = partitions
}

// alignSectors rounds up to the logical block size.
func (b *Builder) alignSectors(sectors uint64) uint64 {
	align := uint64(b.geometry.LogicalBlockSize) / SectorSize
	if align <= 1 {
		return sectors
	}
	return (sectors + align - 1) / align * align
}

// usedRegions returns the extents of all partitions as a sorted region
// list.
func (b *Builder) usedRegions() []Region {
	var used []Region
	for _, p := range b.partitions {
		for _, e := range p.Extents {
			used = append(used, Region{Start: e.PhysicalSector, End: e.PhysicalSector + e.NumSectors})
		}
	}
	sort.Slice(used, func(i, j int) bool { return used[i].Start < used[j].Start })
	return used
}

// FreeRegions returns the unallocated regions of the super device.
func (b *Builder) FreeRegions() []Region {
	super := b.SuperDevice()
	var free []Region
	cursor := super.FirstLogicalSector
	for _, r := range b.usedRegions() {
		if r.Start > cursor {
			free = append(free, Region{Start: cursor, End: r.Start})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < super.SizeSectors {
		free = append(free, Region{Start: cursor, End: super.SizeSectors})
	}
	return free
}

func intersectRegions(a, b []Region) []Region {
	var out []Region
	for _, x := range a {
		for _, y := range b {
			start, end := x.Start, x.End
			if y.Start > start {
				start = y.Start
			}
			if y.End < end {
				end = y.End
			}
			if start < end {
				out = append(out, Region{Start: start, End: end})
			}
		}
	}
	return out
}

func (b *Builder) groupUsage(group string) uint64 {
	var total uint64
	for _, p := range b.partitions {
		if p.Group == group {
			total += p.Size()
		}
	}
	return total
}

// ResizePartition grows or shrinks a partition to newSize bytes. When
// growing, extents are allocated from the free space of the super
// device, restricted to the given regions if any. Group budgets are
// enforced.
func (b *Builder) ResizePartition(p *Partition, newSize uint64, regions []Region) error {
	if newSize%SectorSize != 0 {
		return fmt.Errorf("cannot resize partition %q to %d bytes: not sector-aligned", p.Name, newSize)
	}
	oldSize := p.Size()
	if newSize == oldSize {
		return nil
	}

	if g := b.FindGroup(p.Group); g != nil && g.MaximumSize > 0 && newSize > oldSize {
		if b.groupUsage(p.Group)-oldSize+newSize > g.MaximumSize {
			return fmt.Errorf("cannot resize partition %q to %d bytes: group %q budget exceeded", p.Name, newSize, p.Group)
		}
	}

	newSectors := b.alignSectors(newSize / SectorSize)
	// the existing extents are kept: shrinking truncates them, growing
	// appends new extents after them
	oldSectors := oldSize / SectorSize
	if newSectors <= oldSectors {
		p.Extents = truncateExtents(p.Extents, newSectors)
		return nil
	}

	needed := newSectors - oldSectors
	free := b.FreeRegions()
	if regions != nil {
		free = intersectRegions(free, regions)
	}
	var grown []Extent
	for _, r := range free {
		if needed == 0 {
			break
		}
		take := r.Length()
		if take > needed {
			take = needed
		}
		grown = append(grown, Extent{NumSectors: take, PhysicalSector: r.Start})
		needed -= take
	}
	if needed > 0 {
		return fmt.Errorf("cannot resize partition %q to %d bytes: not enough free space on %q", p.Name, newSize, b.SuperDevice().Name)
	}
	p.Extents = append(p.Extents, grown...)
	return nil
}

func truncateExtents(extents []Extent, sectors uint64) []Extent {
	var kept []Extent
	for _, e := range extents {
		if sectors == 0 {
			break
		}
		if e.NumSectors > sectors {
			e.NumSectors = sectors
		}
		kept = append(kept, e)
		sectors -= e.NumSectors
	}
	return kept
}

// Export produces an immutable Metadata from the builder state.
func (b *Builder) Export() (*Metadata, error) {
	for _, g := range b.groups {
		if g.MaximumSize > 0 && b.groupUsage(g.Name) > g.MaximumSize {
			return nil, fmt.Errorf("cannot export metadata: group %q exceeds its %d byte budget", g.Name, g.MaximumSize)
		}
	}
	m := &Metadata{
		Geometry:     b.geometry,
		BlockDevices: append([]BlockDevice(nil), b.blockDevices...),
	}
	for _, g := range b.groups {
		m.Groups = append(m.Groups, *g)
	}
	for _, p := range b.partitions {
		q := *p
		q.Extents = append([]Extent(nil), p.Extents...)
		m.Partitions = append(m.Partitions, q)
	}
	return m, nil
}
