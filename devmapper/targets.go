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

package devmapper

import (
	"fmt"
	"strconv"
	"strings"
)

// SectorSize is the unit of all device-mapper lengths and offsets.
const SectorSize = 512

// A Target describes one row of a device-mapper table.
type Target interface {
	// Start is the first sector covered by this target.
	Start() uint64
	// Length is the number of sectors covered by this target.
	Length() uint64
	// Type is the kernel target type, e.g. "linear".
	Type() string
	// Params is the target parameter string as passed to the kernel.
	Params() string
}

// TargetLinear maps a range of sectors linearly onto a backing device.
type TargetLinear struct {
	StartSector   uint64
	LengthSectors uint64
	// BackingDevice is either a path or a major:minor string.
	BackingDevice string
	// DeviceOffset is the first sector used on the backing device.
	DeviceOffset uint64
}

func (t TargetLinear) Start() uint64  { return t.StartSector }
func (t TargetLinear) Length() uint64 { return t.LengthSectors }
func (t TargetLinear) Type() string   { return "linear" }

func (t TargetLinear) Params() string {
	return fmt.Sprintf("%s %d", t.BackingDevice, t.DeviceOffset)
}

// SnapshotStorageMode selects how the snapshot target treats its COW
// store.
type SnapshotStorageMode int

const (
	// ModePersistent records COW chunks so the snapshot survives
	// reboots.
	ModePersistent SnapshotStorageMode = iota
	// ModeMerge drains the COW store back into the base device.
	ModeMerge
)

// TargetSnapshot overlays a COW store on a base device.
type TargetSnapshot struct {
	StartSector   uint64
	LengthSectors uint64
	// BaseDevice and CowDevice are paths or major:minor strings.
	BaseDevice string
	CowDevice  string
	Mode       SnapshotStorageMode
	// ChunkSize is the COW allocation unit in sectors.
	ChunkSize uint64
}

func (t TargetSnapshot) Start() uint64  { return t.StartSector }
func (t TargetSnapshot) Length() uint64 { return t.LengthSectors }

func (t TargetSnapshot) Type() string {
	if t.Mode == ModeMerge {
		return "snapshot-merge"
	}
	return "snapshot"
}

func (t TargetSnapshot) Params() string {
	// the COW store is always persistent; transient snapshots are of
	// no use across a reboot
	return fmt.Sprintf("%s %s P %d", t.BaseDevice, t.CowDevice, t.ChunkSize)
}

// A Table is an ordered list of targets describing a whole device.
type Table struct {
	Targets []Target
}

// NewTable builds a table from the given targets.
func NewTable(targets ...Target) *Table {
	return &Table{Targets: targets}
}

// Length returns the total number of sectors covered by the table.
func (t *Table) Length() uint64 {
	var length uint64
	for _, target := range t.Targets {
		length += target.Length()
	}
	return length
}

// String returns the table in dmsetup format, for logging.
func (t *Table) String() string {
	lines := make([]string, 0, len(t.Targets))
	for _, target := range t.Targets {
		lines = append(lines, fmt.Sprintf("%d %d %s %s", target.Start(), target.Length(), target.Type(), target.Params()))
	}
	return strings.Join(lines, "\n")
}

// TargetInfo is one row of a table or status query result.
type TargetInfo struct {
	Start      uint64
	Length     uint64
	TargetType string
	Params     string
}

// SnapshotStatus is the parsed status line of a snapshot or
// snapshot-merge target.
type SnapshotStatus struct {
	// SectorsAllocated counts COW sectors holding data; during a merge
	// it decreases until it equals MetadataSectors.
	SectorsAllocated uint64
	// TotalSectors is the size of the COW store.
	TotalSectors uint64
	// MetadataSectors counts COW sectors holding bookkeeping data.
	MetadataSectors uint64
}

// MergeCompleted returns whether the kernel considers the merge done.
func (s *SnapshotStatus) MergeCompleted() bool {
	return s.SectorsAllocated == s.MetadataSectors
}

// ParseSnapshotStatus parses the kernel's "A/B C" snapshot status
// line into its three counters.
func ParseSnapshotStatus(params string) (*SnapshotStatus, error) {
	fields := strings.Fields(params)
	if len(fields) != 2 {
		return nil, fmt.Errorf("cannot parse snapshot status %q: expected 2 fields", params)
	}
	counts := strings.SplitN(fields[0], "/", 2)
	if len(counts) != 2 {
		return nil, fmt.Errorf("cannot parse snapshot status %q: expected sectors/total", params)
	}
	var status SnapshotStatus
	var err error
	if status.SectorsAllocated, err = strconv.ParseUint(counts[0], 10, 64); err != nil {
		return nil, fmt.Errorf("cannot parse allocated sectors in %q: %v", params, err)
	}
	if status.TotalSectors, err = strconv.ParseUint(counts[1], 10, 64); err != nil {
		return nil, fmt.Errorf("cannot parse total sectors in %q: %v", params, err)
	}
	if status.MetadataSectors, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return nil, fmt.Errorf("cannot parse metadata sectors in %q: %v", params, err)
	}
	return &status, nil
}

// DevicesFromSnapshotParams extracts the base and COW device strings
// from the parameter string of a snapshot or snapshot-merge target.
func DevicesFromSnapshotParams(params string) (base, cow string, err error) {
	fields := strings.Fields(params)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("cannot parse snapshot params %q: expected at least 2 fields", params)
	}
	return fields[0], fields[1], nil
}
