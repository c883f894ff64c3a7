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
	"os"
	"time"

	"github.com/snapcore/absnap/devmapper"
	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/partmd"
)

// timeBudget tracks the per-call timeout as the composer walks the
// device layers.
type timeBudget struct {
	start time.Time
	total time.Duration
}

func newTimeBudget(total time.Duration) *timeBudget {
	return &timeBudget{start: time.Now(), total: total}
}

// remaining returns the unspent part of the budget; a zero total
// means no timeout at all.
func (b *timeBudget) remaining(name string) (time.Duration, error) {
	if b.total == 0 {
		return 0, nil
	}
	left := b.total - time.Since(b.start)
	if left <= 0 {
		return 0, &TimeoutError{Name: name, Timeout: b.total}
	}
	return left, nil
}

// mapPartitionParams describes one partition to map.
type mapPartitionParams struct {
	// superDevice is the super partition device path.
	superDevice string
	// metadata is the slot metadata holding the partition.
	metadata *partmd.Metadata
	// name is the partition name, with slot suffix.
	name string
	// timeout bounds the whole mapping operation.
	timeout time.Duration
}

// tableForExtents builds a plain linear table over the partition's
// extents in the super partition.
func tableForExtents(p *partmd.Partition, superDevice string) *devmapper.Table {
	targets := make([]devmapper.Target, 0, len(p.Extents))
	var start uint64
	for _, e := range p.Extents {
		targets = append(targets, devmapper.TargetLinear{
			StartSector:   start,
			LengthSectors: e.NumSectors,
			BackingDevice: superDevice,
			DeviceOffset:  e.PhysicalSector,
		})
		start += e.NumSectors
	}
	return devmapper.NewTable(targets...)
}

func (m *Manager) createDevice(name string, table *devmapper.Table, timeout time.Duration) (string, error) {
	path, err := m.mapper.CreateDevice(name, table, timeout)
	if err != nil {
		return "", &MapperError{Name: name, Stage: "create", Err: err}
	}
	return path, nil
}

// mapPartitionWithSnapshot builds the layered device stack for one
// partition: the base device over its extents, the COW device, the
// snapshot on top, and, when only a prefix is shadowed, an outer
// linear stack. Partitions without a live snapshot are mapped plain.
// Devices created along the way are torn down in reverse on failure.
func (m *Manager) mapPartitionWithSnapshot(lf *lockedFile, params *mapPartitionParams) (path string, err error) {
	budget := newTimeBudget(params.timeout)

	partition := params.metadata.FindPartition(params.name)
	if partition == nil {
		return "", fmt.Errorf("cannot map partition %q: not in the partition table", params.name)
	}
	if len(partition.Extents) == 0 {
		logger.Debugf("skipping zero-length partition %q", params.name)
		// an empty path signals that nothing was mapped
		return "", nil
	}

	status, err := m.liveSnapshotStatus(lf, partition)
	if err != nil {
		return "", err
	}

	if status == nil {
		// no live snapshot: the partition is mapped directly
		timeout, err := budget.remaining(params.name)
		if err != nil {
			return "", err
		}
		return m.createDevice(params.name, tableForExtents(partition, params.superDevice), timeout)
	}

	mode, err := m.snapshotStorageMode(lf, params.name)
	if err != nil {
		return "", err
	}

	if partition.Size() != status.DeviceSize {
		return "", fmt.Errorf("partition %q size %d does not match the recorded device size %d", params.name, partition.Size(), status.DeviceSize)
	}

	created := &cleanups{}
	defer func() {
		if err != nil {
			created.run()
		}
	}()

	// the base device must be writable so merged chunks can drain
	// into it
	baseName := baseDeviceName(params.name)
	timeout, err := budget.remaining(baseName)
	if err != nil {
		return "", err
	}
	if _, err := m.createDevice(baseName, tableForExtents(partition, params.superDevice), timeout); err != nil {
		return "", err
	}
	created.addUnmapDevice(m, baseName)

	// udev may not be running, so backing devices are referenced by
	// major:minor rather than by path
	baseDev, err := m.mapper.DeviceString(baseName)
	if err != nil {
		return "", &MapperError{Name: baseName, Stage: "query", Err: err}
	}

	cowDev, err := m.mapCowDevices(params, status, created, budget)
	if err != nil {
		return "", err
	}

	snapshotSectors := status.SnapshotSize / SectorSize
	linearSectors := (status.DeviceSize - status.SnapshotSize) / SectorSize

	// a single table mixing snapshot and linear targets is not
	// reliable; instead the snapshot is stacked under an outer linear
	// device and given a different name
	snapName := params.name
	if linearSectors > 0 {
		snapName = innerDeviceName(params.name)
	}

	timeout, err = budget.remaining(snapName)
	if err != nil {
		return "", err
	}
	table := devmapper.NewTable(devmapper.TargetSnapshot{
		LengthSectors: snapshotSectors,
		BaseDevice:    baseDev,
		CowDevice:     cowDev,
		Mode:          mode,
		ChunkSize:     snapshotChunkSize,
	})
	path, err = m.createDevice(snapName, table, timeout)
	if err != nil {
		return "", err
	}
	created.addUnmapDevice(m, snapName)

	if linearSectors > 0 {
		snapDev, err := m.mapper.DeviceString(snapName)
		if err != nil {
			return "", &MapperError{Name: snapName, Stage: "query", Err: err}
		}
		timeout, err = budget.remaining(params.name)
		if err != nil {
			return "", err
		}
		outer := devmapper.NewTable(
			devmapper.TargetLinear{
				StartSector:   0,
				LengthSectors: snapshotSectors,
				BackingDevice: snapDev,
				DeviceOffset:  0,
			},
			devmapper.TargetLinear{
				StartSector:   snapshotSectors,
				LengthSectors: linearSectors,
				BackingDevice: baseDev,
				DeviceOffset:  snapshotSectors,
			},
		)
		path, err = m.createDevice(params.name, outer, timeout)
		if err != nil {
			return "", err
		}
	}

	created.release()
	logger.Debugf("mapped %q as snapshot device at %s", params.name, path)
	return path, nil
}

// liveSnapshotStatus returns the snapshot status of a partition if a
// snapshot must be honored when mapping it, or nil for a plain map.
func (m *Manager) liveSnapshotStatus(lf *lockedFile, partition *partmd.Partition) (*Status, error) {
	if partition.Attributes&partmd.AttrUpdated == 0 {
		// the slot was re-flashed outside the updater; the snapshot
		// no longer matches the partition contents
		logger.Noticef("detected re-flash of partition %q, skipping its snapshot", partition.Name)
		return nil, nil
	}
	if !m.statusFileExists(partition.Name) {
		return nil, nil
	}
	status, err := m.readSnapshotStatus(lf, partition.Name)
	if err != nil {
		return nil, err
	}
	if status.State == SnapshotStateMergeCompleted {
		// the shadow is fully drained; the plain partition is current
		return nil, nil
	}
	return status, nil
}

// snapshotStorageMode derives the snapshot target mode from the
// global update state. The start of merging is atomic across all
// partitions, so individual devices follow the global state.
func (m *Manager) snapshotStorageMode(lf *lockedFile, name string) (devmapper.SnapshotStorageMode, error) {
	state, err := m.readUpdateState(lf)
	if err != nil {
		return devmapper.ModePersistent, err
	}
	switch state {
	case UpdateStateMergeCompleted, UpdateStateMergeNeedsReboot:
		return devmapper.ModePersistent, fmt.Errorf("%w: cannot map snapshot %q after the merge has completed", ErrInvalidTransition, name)
	case UpdateStateMerging, UpdateStateMergeFailed:
		// merge-failed still means a merge is in progress, possibly
		// stalled; it must be honored
		return devmapper.ModeMerge, nil
	}
	return devmapper.ModePersistent, nil
}

// mapCowDevices composes the COW backing device of a snapshot: the
// in-super COW extents, with the file-backed image appended as the
// last extent. If either backing kind is absent the other stands
// alone. Returns a device string usable in a snapshot target.
func (m *Manager) mapCowDevices(params *mapPartitionParams, status *Status, created *cleanups, budget *timeBudget) (string, error) {
	if status.CowPartitionSize+status.CowFileSize == 0 {
		return "", fmt.Errorf("internal error: snapshot %q has no COW backing", params.name)
	}
	imgName := cowImageName(params.name)

	var imgPath string
	if status.CowFileSize > 0 {
		var err error
		if m.localImages {
			imgPath, err = m.images.MapImageWithLocalDevice(imgName)
		} else {
			var timeout time.Duration
			timeout, err = budget.remaining(imgName)
			if err != nil {
				return "", err
			}
			imgPath, err = m.images.MapImageDevice(imgName, timeout)
		}
		if err != nil {
			return "", &ImageError{Name: imgName, Stage: "map", Err: err}
		}
		created.addUnmapImage(m, imgName)

		if status.CowPartitionSize == 0 {
			return imgPath, nil
		}
	}

	cowPartition := params.metadata.FindPartition(cowName(params.name))
	if cowPartition == nil {
		return "", fmt.Errorf("cannot find COW partition for %q in the partition table", params.name)
	}
	table := tableForExtents(cowPartition, params.superDevice)
	if status.CowFileSize > 0 {
		table.Targets = append(table.Targets, devmapper.TargetLinear{
			StartSector:   status.CowPartitionSize / SectorSize,
			LengthSectors: status.CowFileSize / SectorSize,
			BackingDevice: imgPath,
			DeviceOffset:  0,
		})
	}

	name := cowName(params.name)
	timeout, err := budget.remaining(name)
	if err != nil {
		return "", err
	}
	if _, err := m.createDevice(name, table, timeout); err != nil {
		return "", err
	}
	created.addUnmapDevice(m, name)

	dev, err := m.mapper.DeviceString(name)
	if err != nil {
		return "", &MapperError{Name: name, Stage: "query", Err: err}
	}
	return dev, nil
}

// unmapCowDevices tears down the COW device and image of a snapshot.
func (m *Manager) unmapCowDevices(name string) error {
	if err := m.mapper.RemoveDeviceIfExists(cowName(name)); err != nil {
		return &MapperError{Name: cowName(name), Stage: "remove", Err: err}
	}
	if err := m.images.UnmapImageIfExists(cowImageName(name)); err != nil {
		return &ImageError{Name: cowImageName(name), Stage: "unmap", Err: err}
	}
	return nil
}

// unmapPartitionWithSnapshot tears down the whole stack of one
// partition, outermost first.
func (m *Manager) unmapPartitionWithSnapshot(lf *lockedFile, name string) error {
	for _, dev := range []string{name, innerDeviceName(name)} {
		if err := m.mapper.RemoveDeviceIfExists(dev); err != nil {
			return &MapperError{Name: dev, Stage: "remove", Err: err}
		}
	}
	if err := m.unmapCowDevices(name); err != nil {
		return err
	}
	base := baseDeviceName(name)
	if err := m.mapper.RemoveDeviceIfExists(base); err != nil {
		return &MapperError{Name: base, Stage: "remove", Err: err}
	}
	return nil
}

// isSnapshotDevice reports whether the named device carries a
// snapshot or snapshot-merge target, returning its status row.
func (m *Manager) isSnapshotDevice(dmName string) (*devmapper.TargetInfo, bool) {
	targets, err := m.mapper.Status(dmName)
	if err != nil || len(targets) != 1 {
		return nil, false
	}
	t := targets[0]
	if t.TargetType != "snapshot" && t.TargetType != "snapshot-merge" {
		return nil, false
	}
	return &t, true
}

// querySnapshotStatus returns the target type and parsed kernel
// counters of a snapshot device.
func (m *Manager) querySnapshotStatus(dmName string) (targetType string, st *devmapper.SnapshotStatus, err error) {
	target, ok := m.isSnapshotDevice(dmName)
	if !ok {
		return "", nil, fmt.Errorf("device %q is not a snapshot or snapshot-merge device", dmName)
	}
	st, err = devmapper.ParseSnapshotStatus(target.Params)
	if err != nil {
		return "", nil, fmt.Errorf("cannot parse snapshot status of %q: %v", dmName, err)
	}
	return target.TargetType, st, nil
}

// collapseSnapshotDevice replaces a fully merged snapshot stack with
// the plain linear table of the base partition, then deletes the
// inner and base devices.
func (m *Manager) collapseSnapshotDevice(name string, status *Status) error {
	dmName := snapshotDeviceName(name, status)

	targets, err := m.mapper.Table(dmName)
	if err != nil {
		return &MapperError{Name: dmName, Stage: "query", Err: err}
	}
	if len(targets) != 1 || targets[0].TargetType != "snapshot-merge" {
		return fmt.Errorf("%w: device %q does not carry a snapshot-merge target", ErrNotMerged, dmName)
	}
	targetType, st, err := m.querySnapshotStatus(dmName)
	if err != nil {
		return err
	}
	if targetType != "snapshot-merge" || !st.MergeCompleted() {
		return fmt.Errorf("%w: device %q still has %d of %d sectors to merge", ErrNotMerged, dmName, st.SectorsAllocated, st.MetadataSectors)
	}

	snapshotSectors := status.SnapshotSize / SectorSize
	if dmName != name {
		// the table to replace belongs to the outermost device;
		// verify it looks as expected before clobbering it
		outer, err := m.mapper.Table(name)
		if err != nil {
			return &MapperError{Name: name, Stage: "query", Err: err}
		}
		if len(outer) != 2 {
			return fmt.Errorf("outer device %q has %d targets, expected 2", name, len(outer))
		}
		for _, t := range outer {
			if t.TargetType != "linear" {
				return fmt.Errorf("outer device %q may only contain linear targets, found %q", name, t.TargetType)
			}
		}
		if outer[0].Length != snapshotSectors {
			return fmt.Errorf("outer device %q should map %d snapshot sectors, maps %d", name, snapshotSectors, outer[0].Length)
		}
		if outer[0].Length+outer[1].Length != status.DeviceSize/SectorSize {
			return fmt.Errorf("outer device %q should map %d sectors in total", name, status.DeviceSize/SectorSize)
		}
	}

	slot, err := m.currentSlot()
	if err != nil {
		return err
	}
	superDevice := m.device.SuperDevice(slot)
	metadata, err := partmd.ReadMetadata(superDevice, slot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
	}
	partition := metadata.FindPartition(name)
	if partition == nil {
		return fmt.Errorf("cannot collapse %q: not in the partition table", name)
	}

	// swapping the outer table is implicitly an unmap of the snapshot
	if err := m.mapper.LoadTableAndActivate(name, tableForExtents(partition, superDevice)); err != nil {
		return &MapperError{Name: name, Stage: "load", Err: err}
	}

	if dmName != name {
		if err := m.mapper.RemoveDeviceIfExists(dmName); err != nil {
			return &MapperError{Name: dmName, Stage: "remove", Err: err}
		}
	}
	// the base device is no longer used; failing to remove it does
	// not block cleanup
	if err := m.mapper.RemoveDeviceIfExists(baseDeviceName(name)); err != nil {
		logger.Noticef("cannot remove base device of %q: %v", name, err)
	}
	return nil
}

// initializeCow zero-fills the first 32 bits of a COW device so the
// kernel treats the store as fresh rather than resuming a stale one.
func initializeCow(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("cannot open COW device %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(make([]byte, 4)); err != nil {
		return fmt.Errorf("cannot zero-fill COW device %s: %v", path, err)
	}
	return f.Sync()
}
