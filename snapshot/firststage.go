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

	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/partmd"
)

// NeedSnapshotsInFirstStageMount reports whether first-stage boot
// must compose the partitions with their snapshots: only when we
// rebooted into the new slot and the update is still unverified or
// merging.
func (m *Manager) NeedSnapshotsInFirstStageMount() (bool, error) {
	// A read failure here must not be fatal: the indicator still
	// exists, and reverting to the old slot has to keep working.
	oldSlot, err := m.readBootIndicator()
	if err != nil {
		logger.Noticef("cannot read the boot indicator: %v", err)
		return false, nil
	}
	if m.device.SlotSuffix() == oldSlot {
		logger.Noticef("detected slot rollback, will not mount snapshots")
		return false, nil
	}

	lf, err := m.lockShared()
	if err != nil {
		return false, err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return false, err
	}
	switch state {
	case UpdateStateUnverified, UpdateStateMerging, UpdateStateMergeFailed:
		return true, nil
	}
	return false, nil
}

// CreateLogicalAndSnapshotPartitions maps every partition of the
// booted slot, composing snapshots where a live one exists. COW
// partitions are skipped; they only back the snapshots.
func (m *Manager) CreateLogicalAndSnapshotPartitions(superDevice string) error {
	logger.Debugf("creating logical partitions with snapshots as needed")

	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()

	slot, err := m.currentSlot()
	if err != nil {
		return err
	}
	metadata, err := partmd.ReadMetadata(superDevice, slot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}

	for i := range metadata.Partitions {
		partition := &metadata.Partitions[i]
		if partition.Group == cowGroupName {
			logger.Debugf("skipping COW partition %q", partition.Name)
			continue
		}
		if _, err := m.mapPartitionWithSnapshot(lf, &mapPartitionParams{
			superDevice: superDevice,
			metadata:    metadata,
			name:        partition.Name,
			timeout:     mapTimeout,
		}); err != nil {
			return err
		}
	}

	logger.Noticef("created logical partitions with snapshots")
	return nil
}
