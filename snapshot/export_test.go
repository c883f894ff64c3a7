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
	"time"

	"github.com/snapcore/absnap/manifest"
	"github.com/snapcore/absnap/partmd"
)

var (
	ParseUpdateState     = parseUpdateState
	ParseStatus          = parseStatus
	CowEstimate          = cowEstimate
	UpdateTargetMetadata = updateTargetMetadata
	CowGroupName         = cowGroupName
)

func FormatStatus(s *Status) string {
	return s.format()
}

func SnapshotDeviceName(name string, status *Status) string {
	return snapshotDeviceName(name, status)
}

func MockMergePollInterval(d time.Duration) (restore func()) {
	old := mergePollInterval
	mergePollInterval = d
	return func() {
		mergePollInterval = old
	}
}

func MockTimeSleep(f func(time.Duration)) (restore func()) {
	old := timeSleep
	timeSleep = f
	return func() {
		timeSleep = old
	}
}

// AcknowledgeMergeFailure exposes the failure acknowledgement for
// tests.
func (m *Manager) AcknowledgeMergeFailure() {
	m.acknowledgeMergeFailure()
}

// CreateSnapshot exposes snapshot creation for white-box tests.
func (m *Manager) CreateSnapshot(name string, status *Status) error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()
	return m.createSnapshot(lf, name, status)
}

// ReadSnapshotStatus exposes the status store for tests.
func (m *Manager) ReadSnapshotStatus(name string) (*Status, error) {
	lf, err := m.lockShared()
	if err != nil {
		return nil, err
	}
	defer lf.Close()
	return m.readSnapshotStatus(lf, name)
}

// WriteSnapshotStatus exposes the status store for tests.
func (m *Manager) WriteSnapshotStatus(name string, status *Status) error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()
	return m.writeSnapshotStatus(lf, name, status)
}

// WriteUpdateState exposes the state store for tests.
func (m *Manager) WriteUpdateState(state UpdateState) error {
	lf, err := m.lockExclusive()
	if err != nil {
		return err
	}
	defer lf.Close()
	return m.writeUpdateState(lf, state)
}

// ReadUpdateState exposes the state store for tests.
func (m *Manager) ReadUpdateState() (UpdateState, error) {
	lf, err := m.lockExclusive()
	if err != nil {
		return UpdateStateNone, err
	}
	defer lf.Close()
	return m.readUpdateState(lf)
}

// PlanCowSizes exposes the sizing planner for tests.
func PlanCowSizes(target *partmd.Builder, current *partmd.Metadata, targetPartition *partmd.Partition, update *manifest.PartitionUpdate, currentSuffix, targetSuffix string) (*Status, []partmd.Region, error) {
	plan, err := planCowSizes(target, current, targetPartition, update, currentSuffix, targetSuffix)
	if err != nil {
		return nil, nil, err
	}
	return plan.status, plan.usableRegions, nil
}
