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

// Package manifest describes the contents of an update: the new
// partition layout of the target slot and the install operations that
// write it.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// SectorSize is the unit install operations are aligned to.
const SectorSize = 512

// InstallOperation describes one write into a target partition.
type InstallOperation struct {
	// Type is the payload operation kind, e.g. "replace" or "zero".
	// The engine only cares about the extents written.
	Type string `yaml:"type"`
	// DstExtents lists the target byte ranges written.
	DstExtents []Extent `yaml:"dst-extents"`
}

// Extent is a byte range of a target partition.
type Extent struct {
	// Offset is the starting byte.
	Offset uint64 `yaml:"offset"`
	// Length is the range length in bytes.
	Length uint64 `yaml:"length"`
}

// PartitionUpdate describes one partition of the update.
type PartitionUpdate struct {
	// Name is the partition name without a slot suffix.
	Name string `yaml:"name"`
	// Size is the partition's new size in bytes.
	Size uint64 `yaml:"size"`
	// Group is the partition's group name without a slot suffix.
	Group string `yaml:"group"`
	// Operations together describe every byte written into the target
	// partition.
	Operations []InstallOperation `yaml:"operations"`
}

// Group describes a partition group and its size budget.
type Group struct {
	// Name is the group name without a slot suffix.
	Name string `yaml:"name"`
	// MaximumSize bounds the member partition sizes; zero means
	// unlimited.
	MaximumSize uint64 `yaml:"maximum-size"`
}

// Manifest is a full update description.
type Manifest struct {
	Groups     []Group           `yaml:"groups"`
	Partitions []PartitionUpdate `yaml:"partitions"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read manifest: %v", err)
	}
	return Parse(data)
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("cannot parse manifest: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for internal consistency.
func (m *Manifest) Validate() error {
	groups := make(map[string]bool, len(m.Groups))
	for _, g := range m.Groups {
		if g.Name == "" {
			return fmt.Errorf("invalid manifest: group without a name")
		}
		if groups[g.Name] {
			return fmt.Errorf("invalid manifest: duplicated group %q", g.Name)
		}
		groups[g.Name] = true
	}
	seen := make(map[string]bool, len(m.Partitions))
	for _, p := range m.Partitions {
		if p.Name == "" {
			return fmt.Errorf("invalid manifest: partition without a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("invalid manifest: duplicated partition %q", p.Name)
		}
		seen[p.Name] = true
		if p.Group == "" {
			return fmt.Errorf("invalid manifest: partition %q without a group", p.Name)
		}
		if !groups[p.Group] {
			return fmt.Errorf("invalid manifest: partition %q references unknown group %q", p.Name, p.Group)
		}
		if p.Size%SectorSize != 0 {
			return fmt.Errorf("invalid manifest: partition %q size %d is not sector-aligned", p.Name, p.Size)
		}
		for _, op := range p.Operations {
			for _, e := range op.DstExtents {
				if e.Length == 0 {
					return fmt.Errorf("invalid manifest: partition %q has an empty extent", p.Name)
				}
				if e.Offset+e.Length > p.Size {
					return fmt.Errorf("invalid manifest: partition %q operation writes past the partition end", p.Name)
				}
			}
		}
	}
	return nil
}

// WrittenBytes returns the total number of bytes the update writes
// into the named partition, rounded up to the sector size.
func (p *PartitionUpdate) WrittenBytes() uint64 {
	var total uint64
	for _, op := range p.Operations {
		for _, e := range op.DstExtents {
			total += e.Length
		}
	}
	return (total + SectorSize - 1) / SectorSize * SectorSize
}
