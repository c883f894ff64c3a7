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

// Package partmd reads and writes the logical-partition metadata kept
// in reserved slots at the start of the super partition: the partition
// groups, the partitions, and the physical extents backing them.
package partmd

import (
	"fmt"
	"strings"
)

// SectorSize is the unit of extents and partition sizes.
const SectorSize = 512

// Partition attribute flags.
const (
	// AttrUpdated marks partitions written by the updater; first-stage
	// boot treats its absence as a re-flash from outside the updater.
	AttrUpdated uint32 = 1 << 0
)

// SlotSuffixes lists the two slot suffixes, in slot order.
var SlotSuffixes = []string{"_a", "_b"}

// SlotNumberForSuffix maps a slot suffix to its slot number.
func SlotNumberForSuffix(suffix string) (int, error) {
	for i, s := range SlotSuffixes {
		if s == suffix {
			return i, nil
		}
	}
	return 0, fmt.Errorf("cannot map %q to a slot number", suffix)
}

// SuffixForSlot maps a slot number to its suffix.
func SuffixForSlot(slot int) (string, error) {
	if slot < 0 || slot >= len(SlotSuffixes) {
		return "", fmt.Errorf("cannot map slot %d to a suffix", slot)
	}
	return SlotSuffixes[slot], nil
}

// OtherSuffix returns the opposite slot suffix.
func OtherSuffix(suffix string) (string, error) {
	switch suffix {
	case "_a":
		return "_b", nil
	case "_b":
		return "_a", nil
	}
	return "", fmt.Errorf("cannot find the slot opposite to %q", suffix)
}

// Geometry describes the metadata area of a super partition.
type Geometry struct {
	// MetadataMaxSize is the byte budget of one metadata slot copy.
	MetadataMaxSize uint32
	// MetadataSlotCount is the number of slots (2 for A/B).
	MetadataSlotCount uint32
	// LogicalBlockSize is the allocation alignment in bytes.
	LogicalBlockSize uint32
}

// Extent is a contiguous physical range on a block device.
type Extent struct {
	// NumSectors is the extent length.
	NumSectors uint64
	// PhysicalSector is the first sector on the backing device.
	PhysicalSector uint64
	// BlockDeviceIndex indexes Metadata.BlockDevices.
	BlockDeviceIndex uint32
}

// Group is a named partition group with an optional size budget.
type Group struct {
	Name string
	// MaximumSize bounds the sum of member partition sizes in bytes;
	// zero means unlimited.
	MaximumSize uint64
}

// Partition is one logical partition.
type Partition struct {
	Name       string
	Attributes uint32
	Group      string
	Extents    []Extent
}

// Size returns the partition size in bytes.
func (p *Partition) Size() uint64 {
	var sectors uint64
	for _, e := range p.Extents {
		sectors += e.NumSectors
	}
	return sectors * SectorSize
}

// BlockDevice describes a physical device hosting extents.
type BlockDevice struct {
	Name string
	// SizeSectors is the device size.
	SizeSectors uint64
	// FirstLogicalSector is the first sector usable by extents; the
	// space before it is reserved for the metadata area.
	FirstLogicalSector uint64
}

// Metadata is one deserialized metadata slot.
type Metadata struct {
	Geometry     Geometry
	Groups       []Group
	Partitions   []Partition
	BlockDevices []BlockDevice
}

// FindPartition returns the named partition or nil.
func (m *Metadata) FindPartition(name string) *Partition {
	for i := range m.Partitions {
		if m.Partitions[i].Name == name {
			return &m.Partitions[i]
		}
	}
	return nil
}

// FindGroup returns the named group or nil.
func (m *Metadata) FindGroup(name string) *Group {
	for i := range m.Groups {
		if m.Groups[i].Name == name {
			return &m.Groups[i]
		}
	}
	return nil
}

// PartitionsWithSuffix returns the partitions whose name ends in
// suffix.
func (m *Metadata) PartitionsWithSuffix(suffix string) []*Partition {
	var ret []*Partition
	for i := range m.Partitions {
		if strings.HasSuffix(m.Partitions[i].Name, suffix) {
			ret = append(ret, &m.Partitions[i])
		}
	}
	return ret
}
