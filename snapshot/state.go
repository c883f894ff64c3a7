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
	"fmt"
	"strconv"
	"strings"
)

// SectorSize is the unit of all persisted sizes.
const SectorSize = 512

// UpdateState is the process-wide state of the update lifecycle.
type UpdateState int

const (
	// UpdateStateNone means no update is in progress.
	UpdateStateNone UpdateState = iota
	// UpdateStateInitiated means BeginUpdate was called.
	UpdateStateInitiated
	// UpdateStateUnverified means FinishedSnapshotWrites was called
	// but the new slot has not been verified by booting into it.
	UpdateStateUnverified
	// UpdateStateMerging means InitiateMerge was called and the COW
	// stores are draining into the base partitions.
	UpdateStateMerging
	// UpdateStateMergeNeedsReboot means merging completed but cleanup
	// could not finish; the next boot will retry.
	UpdateStateMergeNeedsReboot
	// UpdateStateMergeCompleted means the update fully merged.
	UpdateStateMergeCompleted
	// UpdateStateMergeFailed means merging could not make progress;
	// polling keeps retrying.
	UpdateStateMergeFailed
	// UpdateStateCancelled means the update was implicitly cancelled
	// by a rollback or re-flash. It is never persisted.
	UpdateStateCancelled
)

func (s UpdateState) String() string {
	switch s {
	case UpdateStateNone:
		return "none"
	case UpdateStateInitiated:
		return "initiated"
	case UpdateStateUnverified:
		return "unverified"
	case UpdateStateMerging:
		return "merging"
	case UpdateStateMergeNeedsReboot:
		return "merge-needs-reboot"
	case UpdateStateMergeCompleted:
		return "merge-completed"
	case UpdateStateMergeFailed:
		return "merge-failed"
	case UpdateStateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func parseUpdateState(token string) (UpdateState, error) {
	switch token {
	case "", "none":
		return UpdateStateNone, nil
	case "initiated":
		return UpdateStateInitiated, nil
	case "unverified":
		return UpdateStateUnverified, nil
	case "merging":
		return UpdateStateMerging, nil
	case "merge-needs-reboot":
		return UpdateStateMergeNeedsReboot, nil
	case "merge-completed":
		return UpdateStateMergeCompleted, nil
	case "merge-failed":
		return UpdateStateMergeFailed, nil
	}
	return UpdateStateNone, fmt.Errorf("%w: unknown update state %q", ErrCorruptState, token)
}

// SnapshotState is the per-partition snapshot lifecycle state.
type SnapshotState int

const (
	// SnapshotStateNone is the zero value; it is never persisted by
	// the engine.
	SnapshotStateNone SnapshotState = iota
	// SnapshotStateCreated means the snapshot's backing storage
	// exists.
	SnapshotStateCreated
	// SnapshotStateMerging means the snapshot was switched to a merge
	// target.
	SnapshotStateMerging
	// SnapshotStateMergeCompleted means the kernel finished merging
	// this snapshot.
	SnapshotStateMergeCompleted
)

func (s SnapshotState) String() string {
	switch s {
	case SnapshotStateNone:
		return "none"
	case SnapshotStateCreated:
		return "created"
	case SnapshotStateMerging:
		return "merging"
	case SnapshotStateMergeCompleted:
		return "merge-completed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func parseSnapshotState(token string) (SnapshotState, error) {
	switch token {
	case "none":
		return SnapshotStateNone, nil
	case "created":
		return SnapshotStateCreated, nil
	case "merging":
		return SnapshotStateMerging, nil
	case "merge-completed":
		return SnapshotStateMergeCompleted, nil
	}
	return SnapshotStateNone, fmt.Errorf("%w: unknown snapshot state %q", ErrCorruptState, token)
}

// Status is the persisted record of one partition's snapshot.
type Status struct {
	State SnapshotState

	// DeviceSize is the total size exposed to writers, in bytes.
	DeviceSize uint64
	// SnapshotSize is the prefix of DeviceSize shadowed by COW, in
	// bytes.
	SnapshotSize uint64
	// CowPartitionSize is the COW backing reserved as extents in the
	// super partition, in bytes.
	CowPartitionSize uint64
	// CowFileSize is the COW backing allocated as a file-backed
	// image, in bytes.
	CowFileSize uint64

	// SectorsAllocated and MetadataSectors are the last observed
	// progress counters of the kernel snapshot target.
	SectorsAllocated uint64
	MetadataSectors  uint64
}

// format produces the 7-token status line.
func (s *Status) format() string {
	fields := []string{
		s.State.String(),
		strconv.FormatUint(s.DeviceSize, 10),
		strconv.FormatUint(s.SnapshotSize, 10),
		strconv.FormatUint(s.CowPartitionSize, 10),
		strconv.FormatUint(s.CowFileSize, 10),
		strconv.FormatUint(s.SectorsAllocated, 10),
		strconv.FormatUint(s.MetadataSectors, 10),
	}
	return strings.Join(fields, " ")
}

func parseStatus(line string) (*Status, error) {
	fields := strings.Fields(line)
	if len(fields) != 7 {
		return nil, fmt.Errorf("%w: status line has %d fields, expected 7", ErrCorruptState, len(fields))
	}
	state, err := parseSnapshotState(fields[0])
	if err != nil {
		return nil, err
	}
	status := &Status{State: state}
	for i, dst := range []*uint64{
		&status.DeviceSize,
		&status.SnapshotSize,
		&status.CowPartitionSize,
		&status.CowFileSize,
		&status.SectorsAllocated,
		&status.MetadataSectors,
	} {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid status field %q", ErrCorruptState, fields[i+1])
		}
		*dst = v
	}
	return status, nil
}
