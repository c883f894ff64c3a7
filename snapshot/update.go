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

	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/manifest"
	"github.com/snapcore/absnap/partmd"
)

// mapTimeout bounds a whole partition mapping operation.
var mapTimeout = 10 * time.Second

// CreateUpdateSnapshots rewrites the target slot's partition table
// from the manifest and creates the snapshot backing storage for
// every target partition that needs shadowing. On error everything
// created in this call is rolled back.
func (m *Manager) CreateUpdateSnapshots(man *manifest.Manifest) error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return err
	}
	if state != UpdateStateInitiated {
		return fmt.Errorf("%w: can only create snapshots in the initiated state, not %s", ErrInvalidTransition, state)
	}

	if m.device.IsOverlayfsSetup() {
		return fmt.Errorf("%w: cannot create update snapshots with overlayfs set up", ErrMetadataInvalid)
	}

	currentSuffix := m.device.SlotSuffix()
	currentSlot, err := m.currentSlot()
	if err != nil {
		return err
	}
	targetSuffix := m.device.OtherSlotSuffix()
	targetSlot, err := m.targetSlot()
	if err != nil {
		return err
	}
	currentSuper := m.device.SuperDevice(currentSlot)

	currentMetadata, err := partmd.ReadMetadata(currentSuper, currentSlot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}
	target, err := partmd.NewBuilderForUpdate(currentSuper, currentSlot, targetSlot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}
	if err := updateTargetMetadata(target, man, targetSuffix); err != nil {
		return err
	}

	updates := make(map[string]*manifest.PartitionUpdate, len(man.Partitions))
	for i := range man.Partitions {
		updates[man.Partitions[i].Name+targetSuffix] = &man.Partitions[i]
	}

	// on error, snapshots created along the way are deleted again
	created := &cleanups{}
	defer created.run()

	allStatus := make(map[string]*Status)
	for _, partition := range target.ListPartitionsWithSuffix(targetSuffix) {
		plan, err := planCowSizes(target, currentMetadata, partition, updates[partition.Name], currentSuffix, targetSuffix)
		if err != nil {
			return err
		}
		status := plan.status
		logger.Debugf("partition %q: device size %d, snapshot size %d, cow partition size %d, cow file size %d",
			partition.Name, status.DeviceSize, status.SnapshotSize, status.CowPartitionSize, status.CowFileSize)

		// replace any stale snapshot from an earlier attempt
		if err := m.deleteSnapshot(lf, partition.Name); err != nil {
			return err
		}

		if status.SnapshotSize == 0 {
			// the partition only occupies newly allocated space,
			// nothing needs shadowing
			logger.Debugf("skipping snapshot for partition %q", partition.Name)
			continue
		}

		if err := m.createSnapshot(lf, partition.Name, status); err != nil {
			return err
		}
		created.addDeleteSnapshot(m, lf, partition.Name)

		// prefer space in super before allocating COW images in user
		// data
		if status.CowPartitionSize > 0 {
			cow, err := target.AddPartition(cowName(partition.Name), cowGroupName, 0)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
			}
			if err := target.ResizePartition(cow, status.CowPartitionSize, plan.usableRegions); err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
			}
		}
		if status.CowFileSize > 0 {
			if err := m.createCowImage(lf, partition.Name); err != nil {
				return err
			}
		}
		allStatus[partition.Name] = status
	}

	exported, err := target.Export()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}

	// map each COW device once to zero-initialize the store, so the
	// kernel does not resume a stale snapshot
	for name, status := range allStatus {
		if err := m.unmapPartitionWithSnapshot(lf, name); err != nil {
			return err
		}
		if err := m.initializeCowFor(name, status, exported, currentSuper); err != nil {
			return err
		}
	}

	targetSuper := m.device.SuperDevice(targetSlot)
	if err := partmd.UpdatePartitionTable(targetSuper, exported, targetSlot); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}

	created.release()
	logger.Noticef("created all snapshots for target slot %s", targetSuffix)
	return nil
}

// initializeCowFor maps the COW stack of one snapshot, zero-fills the
// store header, and unmaps it again.
func (m *Manager) initializeCowFor(name string, status *Status, metadata *partmd.Metadata, superDevice string) error {
	cowDevices := &cleanups{}
	defer cowDevices.run()

	params := &mapPartitionParams{
		superDevice: superDevice,
		metadata:    metadata,
		name:        name,
		timeout:     mapTimeout,
	}
	if _, err := m.mapCowDevices(params, status, cowDevices, newTimeBudget(params.timeout)); err != nil {
		return err
	}
	var path string
	var err error
	if status.CowPartitionSize > 0 {
		path, err = m.mapper.DevicePath(cowName(name))
		if err != nil {
			return &MapperError{Name: cowName(name), Stage: "query", Err: err}
		}
	} else {
		// with no in-super extents the image alone is the COW store
		path, err = m.images.MapImageWithLocalDevice(cowImageName(name))
		if err != nil {
			return &ImageError{Name: cowImageName(name), Stage: "map", Err: err}
		}
	}
	return initializeCow(path)
}

// MapUpdateSnapshot maps one target partition for writing during
// staging, replacing any stale mapping first.
func (m *Manager) MapUpdateSnapshot(name string, timeout time.Duration) (string, error) {
	lf, err := m.lockExclusive()
	if err != nil {
		return "", err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return "", err
	}
	if state != UpdateStateInitiated {
		return "", fmt.Errorf("%w: can only map update snapshots in the initiated state, not %s", ErrInvalidTransition, state)
	}

	if err := m.unmapPartitionWithSnapshot(lf, name); err != nil {
		return "", err
	}

	targetSlot, err := m.targetSlot()
	if err != nil {
		return "", err
	}
	superDevice := m.device.SuperDevice(targetSlot)
	metadata, err := partmd.ReadMetadata(superDevice, targetSlot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}
	return m.mapPartitionWithSnapshot(lf, &mapPartitionParams{
		superDevice: superDevice,
		metadata:    metadata,
		name:        name,
		timeout:     timeout,
	})
}

// UnmapUpdateSnapshot tears down the mapping of one target partition.
func (m *Manager) UnmapUpdateSnapshot(name string) error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()
	return m.unmapPartitionWithSnapshot(lf, name)
}
