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
	"time"

	"github.com/snapcore/absnap/devmapper"
	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/partmd"
)

// mergePollInterval is the cooperative polling period of
// ProcessUpdateState; the wait is not time sensitive.
var mergePollInterval = 2 * time.Second

var timeSleep = time.Sleep

// InitiateMerge switches every snapshot to a merge target. It
// requires a verified boot into the new slot. A partial switch
// failure persists the merge-failed state rather than failing the
// call: a merge has started and must be driven to completion.
func (m *Manager) InitiateMerge() error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return err
	}
	if state != UpdateStateUnverified {
		return fmt.Errorf("%w: cannot merge an update that has not been verified (state %s)", ErrInvalidTransition, state)
	}

	oldSlot, err := m.readBootIndicator()
	if err != nil {
		return fmt.Errorf("cannot determine the previous slot: %v", err)
	}
	if m.device.SlotSuffix() == oldSlot {
		return fmt.Errorf("%w: cannot merge while booted off the old slot %s", ErrRollbackDetected, oldSlot)
	}

	names, err := m.listSnapshots(lf)
	if err != nil {
		return err
	}
	// every device must already be mapped, since everything merges at
	// the same time; first-stage boot mapped them
	for _, name := range names {
		if !m.mapper.DeviceExists(name) {
			return fmt.Errorf("cannot begin merge: device %q is not mapped", name)
		}
	}

	// point of no return: from here on every snapshot must be a merge
	// target
	if err := m.writeUpdateState(lf, UpdateStateMerging); err != nil {
		return err
	}

	rewroteAll := true
	for _, name := range names {
		// a failure here leaves no choice but to continue; the next
		// boot will retry the switch
		if err := m.switchSnapshotToMerge(lf, name); err != nil {
			logger.Noticef("cannot switch snapshot %q to a merge target: %v", name, err)
			rewroteAll = false
		}
	}
	if !rewroteAll {
		if err := m.writeUpdateState(lf, UpdateStateMergeFailed); err != nil {
			logger.Noticef("cannot record failed merge start: %v", err)
		}
	}
	return nil
}

// switchSnapshotToMerge rewrites one snapshot's table to a
// snapshot-merge target without tearing the device down, and records
// the merging state with the kernel's progress counters.
func (m *Manager) switchSnapshotToMerge(lf *lockedFile, name string) error {
	status, err := m.readSnapshotStatus(lf, name)
	if err != nil {
		return err
	}
	if status.State != SnapshotStateCreated {
		logger.Noticef("snapshot %q has unexpected state %s", name, status.State)
	}

	dmName := snapshotDeviceName(name, status)
	if err := m.rewriteSnapshotDeviceTable(dmName); err != nil {
		return err
	}

	status.State = SnapshotStateMerging
	if _, st, err := m.querySnapshotStatus(dmName); err == nil {
		status.SectorsAllocated = st.SectorsAllocated
		status.MetadataSectors = st.MetadataSectors
	} else {
		logger.Noticef("cannot query merge progress of %q: %v", dmName, err)
	}
	if err := m.writeSnapshotStatus(lf, name, status); err != nil {
		logger.Noticef("cannot update status of snapshot %q: %v", name, err)
	}
	return nil
}

func (m *Manager) rewriteSnapshotDeviceTable(dmName string) error {
	targets, err := m.mapper.Table(dmName)
	if err != nil {
		return &MapperError{Name: dmName, Stage: "query", Err: err}
	}
	if len(targets) != 1 || targets[0].TargetType != "snapshot" {
		return fmt.Errorf("unexpected table on snapshot device %q", dmName)
	}
	base, cow, err := devmapper.DevicesFromSnapshotParams(targets[0].Params)
	if err != nil {
		return err
	}
	table := devmapper.NewTable(devmapper.TargetSnapshot{
		LengthSectors: targets[0].Length,
		BaseDevice:    base,
		CowDevice:     cow,
		Mode:          devmapper.ModeMerge,
		ChunkSize:     snapshotChunkSize,
	})
	if err := m.mapper.LoadTableAndActivate(dmName, table); err != nil {
		return &MapperError{Name: dmName, Stage: "load", Err: err}
	}
	logger.Debugf("switched snapshot device %q to a merge target", dmName)
	return nil
}

// ProcessUpdateState polls the merge until it reaches a terminal
// state. A failed merge is retried on every boot; if the problem was
// transient a later attempt may still succeed.
func (m *Manager) ProcessUpdateState() (UpdateState, error) {
	for {
		state, err := m.checkMergeState()
		if err != nil {
			return state, err
		}
		if state == UpdateStateMergeFailed {
			m.acknowledgeMergeFailure()
		}
		if state != UpdateStateMerging {
			// either there is no merge, or it finished
			return state, nil
		}
		timeSleep(mergePollInterval)
	}
}

func (m *Manager) checkMergeState() (UpdateState, error) {
	lf, err := m.lockExclusive()
	if err != nil {
		return UpdateStateMergeFailed, err
	}
	defer lf.Close()

	state := m.checkMergeStateLocked(lf)
	switch state {
	case UpdateStateMergeCompleted:
		// acknowledged inside the same lock
		if err := m.acknowledgeMergeSuccess(lf); err != nil {
			logger.Noticef("cannot acknowledge merge success: %v", err)
		}
	case UpdateStateCancelled:
		if err := m.removeAllUpdateState(lf); err != nil {
			logger.Noticef("cannot clean up cancelled update: %v", err)
		}
	}
	return state, nil
}

func (m *Manager) checkMergeStateLocked(lf *lockedFile) UpdateState {
	state, err := m.readUpdateState(lf)
	if err != nil {
		logger.Noticef("cannot read update state: %v", err)
		return UpdateStateMergeFailed
	}
	switch state {
	case UpdateStateNone, UpdateStateMergeCompleted:
		// harmless races between concurrent pollers, propagate as is
		return state
	case UpdateStateUnverified:
		// a cancelled update is normally detected by the merge poll
		// below, but a merge that never started must be checked here
		if m.handleCancelledUpdate(lf) {
			return UpdateStateCancelled
		}
		return state
	case UpdateStateMerging, UpdateStateMergeNeedsReboot, UpdateStateMergeFailed:
		// poll each snapshot below; the needs-reboot case polls once
		// more to give cleanup another opportunity
	default:
		return state
	}

	names, err := m.listSnapshots(lf)
	if err != nil {
		logger.Noticef("cannot list snapshots: %v", err)
		return UpdateStateMergeFailed
	}

	var merging, failed, needsReboot, cancelled bool
	for _, name := range names {
		switch s := m.checkTargetMergeState(lf, name); s {
		case UpdateStateMerging:
			merging = true
		case UpdateStateMergeFailed:
			failed = true
		case UpdateStateMergeNeedsReboot:
			needsReboot = true
		case UpdateStateCancelled:
			cancelled = true
		case UpdateStateMergeCompleted:
		default:
			logger.Noticef("snapshot %q reported unexpected merge state %s", name, s)
			failed = true
		}
	}

	switch {
	case merging:
		// keep polling until nothing is merging, so every slow
		// partition gets a chance to finish before a global failure
		// is declared
		return UpdateStateMerging
	case failed:
		// acknowledged by ProcessUpdateState, not here; there are too
		// many failure drop-out paths
		return UpdateStateMergeFailed
	case needsReboot:
		if err := m.writeUpdateState(lf, UpdateStateMergeNeedsReboot); err != nil {
			logger.Noticef("cannot record merge-needs-reboot: %v", err)
		}
		return UpdateStateMergeNeedsReboot
	case cancelled:
		// the partition changed behind the updater's back and the
		// snapshot is gone; only possible when partitions can be
		// flashed directly
		return UpdateStateCancelled
	}
	return UpdateStateMergeCompleted
}

// checkTargetMergeState determines the merge state of one snapshot
// from the kernel's counters and the persisted record.
func (m *Manager) checkTargetMergeState(lf *lockedFile, name string) UpdateState {
	status, err := m.readSnapshotStatus(lf, name)
	if err != nil {
		logger.Noticef("cannot read status of snapshot %q: %v", name, err)
		return UpdateStateMergeFailed
	}

	dmName := snapshotDeviceName(name, status)
	if _, ok := m.isSnapshotDevice(dmName); !ok {
		if m.isCancelledSnapshot(name) {
			if err := m.deleteSnapshot(lf, name); err != nil {
				logger.Noticef("cannot delete cancelled snapshot %q: %v", name, err)
			}
			return UpdateStateCancelled
		}
		if status.State == SnapshotStateMergeCompleted {
			// an earlier check finished the merge but could not
			// collapse before a reboot; the device is linear now and
			// cleanup can be retried. Best effort only.
			if err := m.finishMergedSnapshot(lf, name, status); err != nil {
				logger.Noticef("cannot retry cleanup of merged snapshot %q: %v", name, err)
			}
			return UpdateStateMergeCompleted
		}
		logger.Noticef("expected a snapshot or snapshot-merge device for %q", dmName)
		return UpdateStateMergeFailed
	}

	targetType, st, err := m.querySnapshotStatus(dmName)
	if err != nil {
		logger.Noticef("cannot query snapshot %q: %v", dmName, err)
		return UpdateStateMergeFailed
	}
	if targetType != "snapshot-merge" {
		// the rewrite in InitiateMerge must have failed
		logger.Noticef("snapshot %q has incorrect target type %q", name, targetType)
		return UpdateStateMergeFailed
	}

	if !st.MergeCompleted() {
		if status.State == SnapshotStateMergeCompleted {
			logger.Noticef("snapshot %q is merging after being marked merge-complete", name)
			return UpdateStateMergeFailed
		}
		return UpdateStateMerging
	}

	// record completion before cleanup: whatever part of cleanup
	// fails, the next boot must not compose another snapshot for this
	// partition
	status.State = SnapshotStateMergeCompleted
	status.SectorsAllocated = st.SectorsAllocated
	status.MetadataSectors = st.MetadataSectors
	if err := m.writeSnapshotStatus(lf, name, status); err != nil {
		logger.Noticef("cannot record merge completion of %q: %v", name, err)
		return UpdateStateMergeFailed
	}
	if err := m.collapseSnapshotDevice(name, status); err != nil {
		logger.Noticef("cannot collapse snapshot %q: %v", name, err)
		return UpdateStateMergeNeedsReboot
	}
	if err := m.deleteSnapshot(lf, name); err != nil {
		logger.Noticef("cannot delete merged snapshot %q: %v", name, err)
		return UpdateStateMergeFailed
	}
	return UpdateStateMergeCompleted
}

// finishMergedSnapshot re-verifies and cleans up a snapshot whose
// merge completed earlier: collapse the stack if it is still live,
// then destroy the backing storage.
func (m *Manager) finishMergedSnapshot(lf *lockedFile, name string, status *Status) error {
	dmName := snapshotDeviceName(name, status)
	if _, ok := m.isSnapshotDevice(dmName); ok {
		targetType, st, err := m.querySnapshotStatus(dmName)
		if err != nil {
			return err
		}
		if targetType != "snapshot-merge" {
			return fmt.Errorf("unexpected target type %q for snapshot device %q", targetType, dmName)
		}
		if !st.MergeCompleted() {
			return fmt.Errorf("%w: merge of %q is unexpectedly incomplete", ErrNotMerged, dmName)
		}
		if err := m.collapseSnapshotDevice(name, status); err != nil {
			return err
		}
	}
	return m.deleteSnapshot(lf, name)
}

// isCancelledSnapshot reports whether the partition was re-flashed
// outside the updater, invalidating its snapshot.
func (m *Manager) isCancelledSnapshot(name string) bool {
	slot, err := m.currentSlot()
	if err != nil {
		return false
	}
	metadata, err := partmd.ReadMetadata(m.device.SuperDevice(slot), slot)
	if err != nil {
		logger.Noticef("cannot read partition metadata: %v", err)
		return false
	}
	partition := metadata.FindPartition(name)
	if partition == nil {
		return false
	}
	return partition.Attributes&partmd.AttrUpdated == 0
}

// handleCancelledUpdate checks for a rollback: booting with the boot
// indicator equal to the current slot means the update was abandoned.
func (m *Manager) handleCancelledUpdate(lf *lockedFile) bool {
	oldSlot, err := m.readBootIndicator()
	if err != nil {
		logger.Noticef("cannot read the boot indicator: %v", err)
		return false
	}
	if m.device.SlotSuffix() != oldSlot {
		// booted into the target slot after applying the update
		return false
	}
	// either the device rolled back, cancellation was requested
	// prematurely, or the active slot was switched by hand; all are
	// treated the same
	if err := m.removeAllUpdateState(lf); err != nil {
		logger.Noticef("cannot remove state of rolled-back update: %v", err)
	}
	return true
}

// acknowledgeMergeSuccess removes all update state inside the
// caller's lock.
func (m *Manager) acknowledgeMergeSuccess(lf *lockedFile) error {
	return m.removeAllUpdateState(lf)
}

// acknowledgeMergeFailure persists merge-failed, unless a concurrent
// poller already moved the state on.
func (m *Manager) acknowledgeMergeFailure() {
	logger.Noticef("merge could not be completed and will be marked as failed")

	lf, err := m.lockExclusive()
	if err != nil {
		logger.Noticef("cannot lock state to acknowledge merge failure: %v", err)
		return
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		logger.Noticef("cannot read update state: %v", err)
		return
	}
	if state != UpdateStateMerging && state != UpdateStateMergeNeedsReboot {
		return
	}
	if err := m.writeUpdateState(lf, UpdateStateMergeFailed); err != nil {
		logger.Noticef("cannot record merge failure: %v", err)
	}
}
