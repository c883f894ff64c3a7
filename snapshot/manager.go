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

// Package snapshot implements the A/B update snapshot engine: a
// persistent state machine that stages a new system image into
// copy-on-write shadowed partitions, and after a successful boot into
// the new slot merges the shadows back into the base partitions, or
// discards them on rollback.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/snapcore/absnap/devmapper"
	"github.com/snapcore/absnap/dirs"
	"github.com/snapcore/absnap/imagestore"
	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/osutil"
	"github.com/snapcore/absnap/partmd"
)

// DeviceInfo is a capability record describing the booted device. All
// fields must be set.
type DeviceInfo struct {
	// SlotSuffix returns the currently booted slot suffix, e.g. "_a".
	SlotSuffix func() string
	// OtherSlotSuffix returns the opposite slot suffix.
	OtherSlotSuffix func() string
	// SuperDevice returns the super partition device path for a slot.
	SuperDevice func(slot int) string
	// IsOverlayfsSetup reports whether an overlayfs is shadowing
	// system partitions; updates cannot be staged in that case.
	IsOverlayfsSetup func() bool
}

func (d *DeviceInfo) validate() error {
	if d == nil || d.SlotSuffix == nil || d.OtherSlotSuffix == nil || d.SuperDevice == nil || d.IsOverlayfsSetup == nil {
		return fmt.Errorf("internal error: incomplete device info")
	}
	return nil
}

// Manager drives the update snapshot lifecycle. All three users of
// the engine (the update client, first-stage boot, and the merge
// daemon) coordinate purely through the metadata directory, guarded
// by file locks.
type Manager struct {
	device  *DeviceInfo
	mapper  devmapper.Mapper
	images  imagestore.Manager
	metaDir string

	// localImages is set in first-stage boot, where the image store
	// must not rely on udev.
	localImages bool
}

// New creates a snapshot manager using the engine's metadata
// directory.
func New(device *DeviceInfo, mapper devmapper.Mapper, images imagestore.Manager) (*Manager, error) {
	if err := device.validate(); err != nil {
		return nil, err
	}
	if mapper == nil || images == nil {
		return nil, fmt.Errorf("internal error: snapshot manager needs a mapper and an image manager")
	}
	return &Manager{
		device:  device,
		mapper:  mapper,
		images:  images,
		metaDir: dirs.MetaDir,
	}, nil
}

// NewForFirstStageMount creates a manager usable before userspace
// services are up; images are mapped without waiting on udev.
func NewForFirstStageMount(device *DeviceInfo, mapper devmapper.Mapper, images imagestore.Manager) (*Manager, error) {
	m, err := New(device, mapper, images)
	if err != nil {
		return nil, err
	}
	m.ForceLocalImageManager()
	return m, nil
}

// ForceLocalImageManager makes the manager map images without any
// dependency on userspace services.
func (m *Manager) ForceLocalImageManager() {
	m.localImages = true
}

// IsSnapshotManagerNeeded is a static check usable before any
// managers can be constructed: it reports whether an update is
// awaiting first boot or mid-lifecycle.
func IsSnapshotManagerNeeded() bool {
	_, err := os.Stat(dirs.BootIndicatorFile)
	return err == nil
}

// device names derived from a partition name
func cowName(name string) string      { return name + "-cow" }
func cowImageName(name string) string { return name + "-cow-img" }
func baseDeviceName(name string) string {
	return name + "-base"
}
func innerDeviceName(name string) string {
	return name + "-inner"
}

// snapshotDeviceName returns the name of the device carrying the
// snapshot target: the inner device when a linear tail is stacked on
// top, the partition name otherwise.
func snapshotDeviceName(name string, status *Status) string {
	if status.SnapshotSize < status.DeviceSize {
		return innerDeviceName(name)
	}
	return name
}

func (m *Manager) currentSlot() (int, error) {
	return partmd.SlotNumberForSuffix(m.device.SlotSuffix())
}

func (m *Manager) targetSlot() (int, error) {
	return partmd.SlotNumberForSuffix(m.device.OtherSlotSuffix())
}

// BeginUpdate starts a new update. Any never-committed previous
// update is discarded first; a pending merge is driven to completion
// before the new update may start.
func (m *Manager) BeginUpdate() error {
	needsMerge, err := m.tryCancelUpdate()
	if err != nil {
		return err
	}
	if needsMerge {
		logger.Noticef("waiting for the pending merge before beginning a new update")
		state, err := m.ProcessUpdateState()
		if err != nil {
			return err
		}
		logger.Noticef("pending merge finished with state %s", state)
	}

	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return err
	}
	if state != UpdateStateNone {
		return fmt.Errorf("%w: update already in progress (state %s)", ErrInvalidTransition, state)
	}
	return m.writeUpdateState(lf, UpdateStateInitiated)
}

// CancelUpdate discards an update that has not started merging. An
// unverified update may be cancelled even after rebooting into the
// new slot; that is indistinguishable from a rollback and triggers
// the same cleanup.
func (m *Manager) CancelUpdate() error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return err
	}
	switch state {
	case UpdateStateNone:
		return nil
	case UpdateStateInitiated, UpdateStateUnverified:
		logger.Noticef("canceling update in state %s", state)
		return m.removeAllUpdateState(lf)
	}
	return fmt.Errorf("%w: too late to cancel, the update has started merging", ErrInvalidTransition)
}

// tryCancelUpdate discards the current update if that is still
// possible and reports whether a merge is pending instead.
func (m *Manager) tryCancelUpdate() (needsMerge bool, err error) {
	lf, err := m.lockExclusive()
	if err != nil {
		return false, err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return false, err
	}
	switch state {
	case UpdateStateNone:
		return false, nil
	case UpdateStateInitiated:
		logger.Noticef("canceling the initiated update")
		return false, m.removeAllUpdateState(lf)
	case UpdateStateUnverified:
		// a completed update can still be canceled as long as we have
		// not booted into it
		oldSlot, rerr := m.readBootIndicator()
		if rerr != nil {
			logger.Noticef("cannot read boot indicator, canceling the update: %v", rerr)
			return false, m.removeAllUpdateState(lf)
		}
		if m.device.SlotSuffix() == oldSlot {
			logger.Noticef("canceling a previously completed update")
			return false, m.removeAllUpdateState(lf)
		}
	}
	return true, nil
}

// removeAllUpdateState deletes all snapshots, removes the boot
// indicator, and resets the update state to none.
func (m *Manager) removeAllUpdateState(lf *lockedFile) error {
	if err := m.removeAllSnapshots(lf); err != nil {
		return err
	}
	if err := m.removeBootIndicator(); err != nil {
		logger.Noticef("cannot remove boot indicator: %v", err)
	}
	// if this fails we keep trying to remove the update state as the
	// device reboots or a new update starts, until it succeeds
	return m.writeUpdateState(lf, UpdateStateNone)
}

func (m *Manager) removeAllSnapshots(lf *lockedFile) error {
	names, err := m.listSnapshots(lf)
	if err != nil {
		return err
	}
	var firstErr error
	for _, name := range names {
		if err := m.unmapPartitionWithSnapshot(lf, name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := m.deleteSnapshot(lf, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// createSnapshot validates the sizes of a planned snapshot and
// persists its status record with state created.
func (m *Manager) createSnapshot(lf *lockedFile, name string, status *Status) error {
	if !lf.exclusive {
		return fmt.Errorf("%w: creating a snapshot requires the exclusive lock", ErrInvalidTransition)
	}
	// like the partition table, we guarantee the exact device size,
	// which means it has to be sector-aligned
	for what, size := range map[string]uint64{
		"device size":        status.DeviceSize,
		"snapshot size":      status.SnapshotSize,
		"cow partition size": status.CowPartitionSize,
		"cow file size":      status.CowFileSize,
	} {
		if size%SectorSize != 0 {
			return fmt.Errorf("%w: snapshot %q %s is %d", ErrSizeUnaligned, name, what, size)
		}
	}
	if status.SnapshotSize > status.DeviceSize {
		return fmt.Errorf("snapshot %q snapshot size %d exceeds the device size %d", name, status.SnapshotSize, status.DeviceSize)
	}

	written := *status
	written.State = SnapshotStateCreated
	written.SectorsAllocated = 0
	written.MetadataSectors = 0
	return m.writeSnapshotStatus(lf, name, &written)
}

// createCowImage allocates the file-backed COW image of a snapshot.
func (m *Manager) createCowImage(lf *lockedFile, name string) error {
	if !lf.exclusive {
		return fmt.Errorf("%w: creating a COW image requires the exclusive lock", ErrInvalidTransition)
	}
	status, err := m.readSnapshotStatus(lf, name)
	if err != nil {
		return err
	}
	if status.CowFileSize%SectorSize != 0 {
		return fmt.Errorf("%w: snapshot %q cow file size is %d", ErrSizeUnaligned, name, status.CowFileSize)
	}
	imgName := cowImageName(name)
	if err := m.images.CreateBackingImage(imgName, status.CowFileSize, imagestore.CreateDefault); err != nil {
		return &ImageError{Name: imgName, Stage: "create", Err: err}
	}
	return nil
}

// deleteSnapshot unmaps the COW devices, destroys the COW image, and
// removes the status record of a snapshot.
func (m *Manager) deleteSnapshot(lf *lockedFile, name string) error {
	if !lf.exclusive {
		return fmt.Errorf("%w: deleting a snapshot requires the exclusive lock", ErrInvalidTransition)
	}
	if err := m.unmapCowDevices(name); err != nil {
		return err
	}
	imgName := cowImageName(name)
	if m.images.BackingImageExists(imgName) {
		if err := m.images.DeleteBackingImage(imgName); err != nil {
			return &ImageError{Name: imgName, Stage: "delete", Err: err}
		}
	}
	if err := osutil.RemoveFileIfExists(m.statusFile(name)); err != nil {
		return fmt.Errorf("cannot remove status file of %q: %v", name, err)
	}
	return nil
}

// FinishedSnapshotWrites records that the update payload was fully
// written: the boot indicator captures the current slot, and the
// state moves to unverified. It is idempotent once unverified.
func (m *Manager) FinishedSnapshotWrites() error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return err
	}
	if state == UpdateStateUnverified {
		logger.Debugf("FinishedSnapshotWrites already called, ignored")
		return nil
	}
	if state != UpdateStateInitiated {
		return fmt.Errorf("%w: can only finish snapshot writes from the initiated state, not %s", ErrInvalidTransition, state)
	}

	// the indicator doubles as a quick existence check for first-stage
	// boot, and records the old slot so a rollback can be told apart
	// from a successful boot into the new slot
	if err := m.writeBootIndicator(m.device.SlotSuffix()); err != nil {
		return fmt.Errorf("cannot write boot indicator: %v", err)
	}
	return m.writeUpdateState(lf, UpdateStateUnverified)
}

// GetUpdateState returns the current update state; when progress is
// not nil it receives 0.0, or 100.0 in the merge-completed state.
func (m *Manager) GetUpdateState(progress *float64) (UpdateState, error) {
	// if no update ever started, the state file won't exist
	if _, err := os.Stat(m.stateFile()); os.IsNotExist(err) {
		return UpdateStateNone, nil
	}

	lf, err := m.lockShared()
	if err != nil {
		return UpdateStateNone, err
	}
	defer lf.Close()

	state, err := m.readUpdateState(lf)
	if err != nil {
		return UpdateStateNone, err
	}
	if progress != nil {
		*progress = 0.0
		if state == UpdateStateMergeCompleted {
			*progress = 100.0
		}
	}
	return state, nil
}

// Dump writes a human-readable description of the persisted state.
// It takes no lock; dumping is a debugging aid and may race.
func (m *Manager) Dump(w io.Writer) error {
	f, err := os.OpenFile(m.stateFile(), os.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("cannot open state file: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("cannot read state file: %v", err)
	}
	state, err := parseUpdateState(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Update state: %s\n", state)

	if suffix, err := m.readBootIndicator(); err == nil {
		fmt.Fprintf(w, "Boot indicator: old slot = %s\n", suffix)
	}

	names, err := m.listSnapshots(nil)
	if err != nil {
		return err
	}
	ok := true
	for _, name := range names {
		fmt.Fprintf(w, "Snapshot: %s\n", name)
		status, err := m.readSnapshotStatus(nil, name)
		if err != nil {
			fmt.Fprintf(w, "    (cannot read status: %v)\n", err)
			ok = false
			continue
		}
		fmt.Fprintf(w, "    state: %s\n", status.State)
		fmt.Fprintf(w, "    device size (bytes): %d\n", status.DeviceSize)
		fmt.Fprintf(w, "    snapshot size (bytes): %d\n", status.SnapshotSize)
		fmt.Fprintf(w, "    cow partition size (bytes): %d\n", status.CowPartitionSize)
		fmt.Fprintf(w, "    cow file size (bytes): %d\n", status.CowFileSize)
		fmt.Fprintf(w, "    allocated sectors: %d\n", status.SectorsAllocated)
		fmt.Fprintf(w, "    metadata sectors: %d\n", status.MetadataSectors)
	}
	if !ok {
		return fmt.Errorf("%w: some snapshot records could not be read", ErrCorruptState)
	}
	return nil
}
