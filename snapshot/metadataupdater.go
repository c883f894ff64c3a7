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

	"github.com/snapcore/absnap/manifest"
	"github.com/snapcore/absnap/partmd"
)

// cowGroupName is the dedicated unlimited group hosting in-super COW
// partitions; its members are never mapped at the normal partition
// lifecycle.
const cowGroupName = "cow"

// superPartitionName is the expected name of block device 0; any
// other layout is a retrofit arrangement the engine refuses.
const superPartitionName = "super"

// updateTargetMetadata rewrites the target slot's partition table
// from the manifest: groups are updated before the partitions inside
// them, partitions absent from the manifest are removed, new ones are
// added, and every manifest partition is resized to its new size.
func updateTargetMetadata(b *partmd.Builder, man *manifest.Manifest, targetSuffix string) error {
	if b.SuperDevice().Name != superPartitionName {
		return fmt.Errorf("%w: refusing a retrofit layout with block device %q", ErrMetadataInvalid, b.SuperDevice().Name)
	}

	// COW partitions inherited from the source slot's table belong to
	// a finished update cycle; this update allocates its own
	b.RemoveGroupAndPartitions(cowGroupName)

	// group sizes first, so partition resizes inside a grown group
	// succeed
	for _, g := range man.Groups {
		name := g.Name + targetSuffix
		if b.FindGroup(name) == nil {
			if err := b.AddGroup(name, g.MaximumSize); err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
			}
			continue
		}
		if err := b.ChangeGroupSize(name, g.MaximumSize); err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
		}
	}

	// drop target partitions the manifest no longer ships
	inManifest := make(map[string]bool, len(man.Partitions))
	for _, p := range man.Partitions {
		inManifest[p.Name+targetSuffix] = true
	}
	for _, p := range b.ListPartitionsWithSuffix(targetSuffix) {
		if !inManifest[p.Name] {
			b.RemovePartition(p.Name)
		}
	}

	for i := range man.Partitions {
		u := &man.Partitions[i]
		name := u.Name + targetSuffix
		group := u.Group + targetSuffix
		p := b.FindPartition(name)
		if p == nil {
			var err error
			p, err = b.AddPartition(name, group, partmd.AttrUpdated)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
			}
		} else {
			p.Attributes |= partmd.AttrUpdated
		}
		if b.FindGroup(group) == nil {
			return fmt.Errorf("%w: partition %q references group %q which does not exist", ErrMetadataInvalid, u.Name, u.Group)
		}
		if err := b.ResizePartition(p, u.Size, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
		}
	}

	// the cow group hosts the in-super COW partitions; it has no size
	// budget of its own, free space is the only limit
	if b.FindGroup(cowGroupName) == nil {
		if err := b.AddGroup(cowGroupName, 0); err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataInvalid, err)
		}
	}
	return nil
}
