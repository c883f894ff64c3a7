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
	"strings"

	"github.com/snapcore/absnap/manifest"
	"github.com/snapcore/absnap/partmd"
)

// snapshotChunkSize is the COW allocation unit in sectors (4096 B).
const snapshotChunkSize = 8

const chunkBytes = snapshotChunkSize * SectorSize

// cowPlan is the output of the sizing planner for one partition.
type cowPlan struct {
	status *Status
	// usableRegions may host the in-super COW partition.
	usableRegions []partmd.Region
}

// cowEstimate returns a conservative upper bound on the COW store
// size needed to shadow snapshotSize bytes at the 4096 B chunk size:
// one chunk per data chunk, the exception bookkeeping chunks, the
// store header, and two chunks of slack.
func cowEstimate(snapshotSize uint64) uint64 {
	dataChunks := (snapshotSize + chunkBytes - 1) / chunkBytes
	// one 16-byte exception entry per data chunk, 256 entries per
	// bookkeeping chunk
	metaChunks := (dataChunks+255)/256 + 1
	return (dataChunks + metaChunks + 2) * chunkBytes
}

// planCowSizes computes the snapshot status sizes for one target
// partition: the device size from the new partition table, the
// snapshot size from the bytes the install operations write, and the
// COW backing split between in-super extents (preferred, they do not
// consume user data space) and a file-backed image.
func planCowSizes(target *partmd.Builder, currentMetadata *partmd.Metadata, targetPartition *partmd.Partition, update *manifest.PartitionUpdate, currentSuffix, targetSuffix string) (*cowPlan, error) {
	deviceSize := targetPartition.Size()

	// a partition that did not previously exist occupies newly
	// allocated regions only; nothing old can be clobbered, so no
	// shadowing is needed
	currentName := strings.TrimSuffix(targetPartition.Name, targetSuffix) + currentSuffix
	if currentMetadata.FindPartition(currentName) == nil {
		return &cowPlan{status: &Status{DeviceSize: deviceSize}}, nil
	}

	var snapshotSize uint64
	if update != nil {
		snapshotSize = update.WrittenBytes()
		if snapshotSize > deviceSize {
			snapshotSize = deviceSize
		}
	} else {
		// without an operation list every byte must be assumed written
		snapshotSize = deviceSize
	}
	if snapshotSize == 0 {
		return &cowPlan{status: &Status{DeviceSize: deviceSize}}, nil
	}

	cowSize := cowEstimate(snapshotSize)

	// free space in super after the new partition table is applied
	free := target.FreeRegions()
	var freeSectors uint64
	for _, r := range free {
		freeSectors += r.Length()
	}
	// keep in-super allocations chunk-aligned
	cowPartitionSize := freeSectors * partmd.SectorSize / chunkBytes * chunkBytes
	if cowPartitionSize > cowSize {
		cowPartitionSize = cowSize
	}
	cowFileSize := cowSize - cowPartitionSize

	return &cowPlan{
		status: &Status{
			DeviceSize:       deviceSize,
			SnapshotSize:     snapshotSize,
			CowPartitionSize: cowPartitionSize,
			CowFileSize:      cowFileSize,
		},
		usableRegions: free,
	}, nil
}
