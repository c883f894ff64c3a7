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

package partmd

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// On-disk layout: a geometry block at offset 0 with a backup copy
// right after it, then MetadataSlotCount metadata slots of
// MetadataMaxSize bytes each. Everything is little-endian and CRC32
// (IEEE) protected.
const (
	geometryMagic = 0x616c5047 // "alPG"
	headerMagic   = 0x616c5048 // "alPH"

	geometrySize = 4096

	majorVersion = 1
	minorVersion = 0

	nameLen = 36
)

var errCorrupt = fmt.Errorf("invalid logical partition metadata")

type rawGeometry struct {
	Magic             uint32
	StructSize        uint32
	Checksum          uint32
	MetadataMaxSize   uint32
	MetadataSlotCount uint32
	LogicalBlockSize  uint32
}

type rawTableDescriptor struct {
	Offset     uint32
	NumEntries uint32
	EntrySize  uint32
}

type rawHeader struct {
	Magic          uint32
	MajorVersion   uint16
	MinorVersion   uint16
	HeaderSize     uint32
	HeaderChecksum uint32
	TablesSize     uint32
	TablesChecksum uint32
	Partitions     rawTableDescriptor
	Extents        rawTableDescriptor
	Groups         rawTableDescriptor
	BlockDevices   rawTableDescriptor
}

type rawPartition struct {
	Name             [nameLen]byte
	Attributes       uint32
	FirstExtentIndex uint32
	NumExtents       uint32
	GroupIndex       uint32
}

type rawExtent struct {
	NumSectors       uint64
	PhysicalSector   uint64
	BlockDeviceIndex uint32
	Padding          uint32
}

type rawGroup struct {
	Name        [nameLen]byte
	Flags       uint32
	MaximumSize uint64
}

type rawBlockDevice struct {
	FirstLogicalSector uint64
	SizeSectors        uint64
	Name               [nameLen]byte
	Flags              uint32
}

func structSize(v interface{}) int {
	return binary.Size(v)
}

func packName(name string) ([nameLen]byte, error) {
	var out [nameLen]byte
	if len(name) >= nameLen {
		return out, fmt.Errorf("cannot store name %q: longer than %d bytes", name, nameLen-1)
	}
	copy(out[:], name)
	return out, nil
}

func unpackName(raw [nameLen]byte) string {
	return string(bytes.TrimRight(raw[:], "\x00"))
}

func crcOf(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

func encode(v interface{}) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("internal error: cannot encode metadata struct: %v", err))
	}
	return buf.Bytes()
}

func metadataSlotOffset(geometry *Geometry, slot int) int64 {
	return int64(2*geometrySize) + int64(slot)*int64(geometry.MetadataMaxSize)
}

func serializeGeometry(geometry *Geometry) []byte {
	raw := rawGeometry{
		Magic:             geometryMagic,
		StructSize:        uint32(structSize(rawGeometry{})),
		MetadataMaxSize:   geometry.MetadataMaxSize,
		MetadataSlotCount: geometry.MetadataSlotCount,
		LogicalBlockSize:  geometry.LogicalBlockSize,
	}
	raw.Checksum = crcOf(encode(raw))
	blob := make([]byte, geometrySize)
	copy(blob, encode(raw))
	return blob
}

func parseGeometry(blob []byte) (*Geometry, error) {
	raw := rawGeometry{}
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &raw); err != nil {
		return nil, errCorrupt
	}
	if raw.Magic != geometryMagic {
		return nil, fmt.Errorf("invalid geometry magic signature")
	}
	if raw.StructSize != uint32(structSize(rawGeometry{})) {
		return nil, fmt.Errorf("invalid geometry struct size")
	}
	check := raw
	check.Checksum = 0
	if crcOf(encode(check)) != raw.Checksum {
		return nil, fmt.Errorf("invalid geometry checksum")
	}
	if raw.MetadataSlotCount == 0 {
		return nil, fmt.Errorf("invalid metadata slot count")
	}
	if raw.MetadataMaxSize%SectorSize != 0 || raw.MetadataMaxSize == 0 {
		return nil, fmt.Errorf("metadata max size is not sector-aligned")
	}
	return &Geometry{
		MetadataMaxSize:   raw.MetadataMaxSize,
		MetadataSlotCount: raw.MetadataSlotCount,
		LogicalBlockSize:  raw.LogicalBlockSize,
	}, nil
}

// serializeMetadata turns a Metadata into the header-plus-tables blob
// stored in one slot.
func serializeMetadata(m *Metadata) ([]byte, error) {
	groupIndex := make(map[string]uint32, len(m.Groups))
	groups := &bytes.Buffer{}
	for i, g := range m.Groups {
		name, err := packName(g.Name)
		if err != nil {
			return nil, err
		}
		groupIndex[g.Name] = uint32(i)
		groups.Write(encode(rawGroup{Name: name, MaximumSize: g.MaximumSize}))
	}

	partitions := &bytes.Buffer{}
	extents := &bytes.Buffer{}
	extentCount := uint32(0)
	for _, p := range m.Partitions {
		name, err := packName(p.Name)
		if err != nil {
			return nil, err
		}
		gi, ok := groupIndex[p.Group]
		if !ok {
			return nil, fmt.Errorf("partition %q references unknown group %q", p.Name, p.Group)
		}
		partitions.Write(encode(rawPartition{
			Name:             name,
			Attributes:       p.Attributes,
			FirstExtentIndex: extentCount,
			NumExtents:       uint32(len(p.Extents)),
			GroupIndex:       gi,
		}))
		for _, e := range p.Extents {
			extents.Write(encode(rawExtent{
				NumSectors:       e.NumSectors,
				PhysicalSector:   e.PhysicalSector,
				BlockDeviceIndex: e.BlockDeviceIndex,
			}))
			extentCount++
		}
	}

	blockDevices := &bytes.Buffer{}
	for _, b := range m.BlockDevices {
		name, err := packName(b.Name)
		if err != nil {
			return nil, err
		}
		blockDevices.Write(encode(rawBlockDevice{
			FirstLogicalSector: b.FirstLogicalSector,
			SizeSectors:        b.SizeSectors,
			Name:               name,
		}))
	}

	header := rawHeader{
		Magic:        headerMagic,
		MajorVersion: majorVersion,
		MinorVersion: minorVersion,
		HeaderSize:   uint32(structSize(rawHeader{})),
	}
	offset := uint32(0)
	describe := func(buf *bytes.Buffer, entrySize int) rawTableDescriptor {
		d := rawTableDescriptor{
			Offset:    offset,
			EntrySize: uint32(entrySize),
		}
		if entrySize > 0 {
			d.NumEntries = uint32(buf.Len() / entrySize)
		}
		offset += uint32(buf.Len())
		return d
	}
	header.Partitions = describe(partitions, structSize(rawPartition{}))
	header.Extents = describe(extents, structSize(rawExtent{}))
	header.Groups = describe(groups, structSize(rawGroup{}))
	header.BlockDevices = describe(blockDevices, structSize(rawBlockDevice{}))

	tables := &bytes.Buffer{}
	tables.Write(partitions.Bytes())
	tables.Write(extents.Bytes())
	tables.Write(groups.Bytes())
	tables.Write(blockDevices.Bytes())

	header.TablesSize = uint32(tables.Len())
	header.TablesChecksum = crcOf(tables.Bytes())
	header.HeaderChecksum = 0
	header.HeaderChecksum = crcOf(encode(header))

	blob := &bytes.Buffer{}
	blob.Write(encode(header))
	blob.Write(tables.Bytes())
	return blob.Bytes(), nil
}

func validTableBounds(header *rawHeader, table *rawTableDescriptor) bool {
	if table.Offset > header.TablesSize {
		return false
	}
	tableSize := uint64(table.NumEntries) * uint64(table.EntrySize)
	return uint64(header.TablesSize-table.Offset) >= tableSize
}

func parseMetadata(geometry *Geometry, blob []byte) (*Metadata, error) {
	headerSize := structSize(rawHeader{})
	if len(blob) < headerSize {
		return nil, errCorrupt
	}
	header := rawHeader{}
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &header); err != nil {
		return nil, errCorrupt
	}
	if header.Magic != headerMagic {
		return nil, fmt.Errorf("invalid metadata magic value")
	}
	if header.MajorVersion != majorVersion || header.MinorVersion > minorVersion {
		return nil, fmt.Errorf("incompatible metadata version %d.%d", header.MajorVersion, header.MinorVersion)
	}
	check := header
	check.HeaderChecksum = 0
	if crcOf(encode(check)) != header.HeaderChecksum {
		return nil, fmt.Errorf("invalid metadata header checksum")
	}
	if int(header.TablesSize) > len(blob)-headerSize {
		return nil, fmt.Errorf("invalid metadata tables size")
	}
	tables := blob[headerSize : headerSize+int(header.TablesSize)]
	if crcOf(tables) != header.TablesChecksum {
		return nil, fmt.Errorf("invalid metadata tables checksum")
	}
	for _, t := range []*rawTableDescriptor{&header.Partitions, &header.Extents, &header.Groups, &header.BlockDevices} {
		if !validTableBounds(&header, t) {
			return nil, fmt.Errorf("invalid metadata table bounds")
		}
	}
	if header.Partitions.EntrySize != uint32(structSize(rawPartition{})) ||
		header.Extents.EntrySize != uint32(structSize(rawExtent{})) ||
		header.Groups.EntrySize != uint32(structSize(rawGroup{})) ||
		header.BlockDevices.EntrySize != uint32(structSize(rawBlockDevice{})) {
		return nil, fmt.Errorf("invalid metadata table entry size")
	}

	m := &Metadata{Geometry: *geometry}

	for i := uint32(0); i < header.Groups.NumEntries; i++ {
		raw := rawGroup{}
		off := header.Groups.Offset + i*header.Groups.EntrySize
		if err := binary.Read(bytes.NewReader(tables[off:]), binary.LittleEndian, &raw); err != nil {
			return nil, errCorrupt
		}
		m.Groups = append(m.Groups, Group{Name: unpackName(raw.Name), MaximumSize: raw.MaximumSize})
	}

	allExtents := make([]Extent, header.Extents.NumEntries)
	for i := uint32(0); i < header.Extents.NumEntries; i++ {
		raw := rawExtent{}
		off := header.Extents.Offset + i*header.Extents.EntrySize
		if err := binary.Read(bytes.NewReader(tables[off:]), binary.LittleEndian, &raw); err != nil {
			return nil, errCorrupt
		}
		allExtents[i] = Extent{
			NumSectors:       raw.NumSectors,
			PhysicalSector:   raw.PhysicalSector,
			BlockDeviceIndex: raw.BlockDeviceIndex,
		}
	}

	for i := uint32(0); i < header.Partitions.NumEntries; i++ {
		raw := rawPartition{}
		off := header.Partitions.Offset + i*header.Partitions.EntrySize
		if err := binary.Read(bytes.NewReader(tables[off:]), binary.LittleEndian, &raw); err != nil {
			return nil, errCorrupt
		}
		if raw.FirstExtentIndex+raw.NumExtents < raw.FirstExtentIndex ||
			raw.FirstExtentIndex+raw.NumExtents > header.Extents.NumEntries {
			return nil, fmt.Errorf("partition has an invalid extent list")
		}
		if raw.GroupIndex >= header.Groups.NumEntries {
			return nil, fmt.Errorf("partition has an invalid group index")
		}
		extents := make([]Extent, raw.NumExtents)
		copy(extents, allExtents[raw.FirstExtentIndex:raw.FirstExtentIndex+raw.NumExtents])
		m.Partitions = append(m.Partitions, Partition{
			Name:       unpackName(raw.Name),
			Attributes: raw.Attributes,
			Group:      m.Groups[raw.GroupIndex].Name,
			Extents:    extents,
		})
	}

	for i := uint32(0); i < header.BlockDevices.NumEntries; i++ {
		raw := rawBlockDevice{}
		off := header.BlockDevices.Offset + i*header.BlockDevices.EntrySize
		if err := binary.Read(bytes.NewReader(tables[off:]), binary.LittleEndian, &raw); err != nil {
			return nil, errCorrupt
		}
		m.BlockDevices = append(m.BlockDevices, BlockDevice{
			Name:               unpackName(raw.Name),
			SizeSectors:        raw.SizeSectors,
			FirstLogicalSector: raw.FirstLogicalSector,
		})
	}

	return m, nil
}

// ReadGeometry reads and validates the geometry of a super device,
// falling back to the backup copy if the primary is corrupt.
func ReadGeometry(superPath string) (*Geometry, error) {
	f, err := os.Open(superPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open super device: %v", err)
	}
	defer f.Close()

	blob := make([]byte, geometrySize)
	if _, err := f.ReadAt(blob, 0); err != nil {
		return nil, fmt.Errorf("cannot read primary geometry: %v", err)
	}
	geometry, gerr := parseGeometry(blob)
	if gerr == nil {
		return geometry, nil
	}
	if _, err := f.ReadAt(blob, geometrySize); err != nil {
		return nil, fmt.Errorf("cannot read backup geometry: %v", err)
	}
	geometry, err = parseGeometry(blob)
	if err != nil {
		return nil, fmt.Errorf("cannot parse geometry: %v", gerr)
	}
	return geometry, nil
}

// ReadMetadata reads and validates one metadata slot of a super
// device.
func ReadMetadata(superPath string, slot int) (*Metadata, error) {
	geometry, err := ReadGeometry(superPath)
	if err != nil {
		return nil, err
	}
	if slot < 0 || uint32(slot) >= geometry.MetadataSlotCount {
		return nil, fmt.Errorf("cannot read metadata slot %d: out of range", slot)
	}
	f, err := os.Open(superPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open super device: %v", err)
	}
	defer f.Close()

	blob := make([]byte, geometry.MetadataMaxSize)
	if _, err := f.ReadAt(blob, metadataSlotOffset(geometry, slot)); err != nil {
		return nil, fmt.Errorf("cannot read metadata slot %d: %v", slot, err)
	}
	m, err := parseMetadata(geometry, blob)
	if err != nil {
		return nil, fmt.Errorf("cannot parse metadata slot %d: %v", slot, err)
	}
	return m, nil
}

// UpdatePartitionTable writes the given metadata into one slot of the
// super device and syncs it.
func UpdatePartitionTable(superPath string, m *Metadata, slot int) error {
	if slot < 0 || uint32(slot) >= m.Geometry.MetadataSlotCount {
		return fmt.Errorf("cannot write metadata slot %d: out of range", slot)
	}
	blob, err := serializeMetadata(m)
	if err != nil {
		return err
	}
	if uint32(len(blob)) > m.Geometry.MetadataMaxSize {
		return fmt.Errorf("cannot write metadata slot %d: %d bytes exceed the %d byte budget", slot, len(blob), m.Geometry.MetadataMaxSize)
	}
	padded := make([]byte, m.Geometry.MetadataMaxSize)
	copy(padded, blob)

	f, err := os.OpenFile(superPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open super device: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(padded, metadataSlotOffset(&m.Geometry, slot)); err != nil {
		return fmt.Errorf("cannot write metadata slot %d: %v", slot, err)
	}
	return f.Sync()
}

// FormatSuper initializes the metadata area of a super device: the
// geometry, its backup, and one empty metadata table per slot.
func FormatSuper(superPath string, geometry *Geometry, device *BlockDevice) error {
	f, err := os.OpenFile(superPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open super device: %v", err)
	}
	defer f.Close()

	blob := serializeGeometry(geometry)
	if _, err := f.WriteAt(blob, 0); err != nil {
		return fmt.Errorf("cannot write primary geometry: %v", err)
	}
	if _, err := f.WriteAt(blob, geometrySize); err != nil {
		return fmt.Errorf("cannot write backup geometry: %v", err)
	}
	if err := f.Sync(); err != nil {
		return err
	}
	empty := &Metadata{
		Geometry:     *geometry,
		Groups:       []Group{{Name: "default"}},
		BlockDevices: []BlockDevice{*device},
	}
	for slot := 0; uint32(slot) < geometry.MetadataSlotCount; slot++ {
		if err := UpdatePartitionTable(superPath, empty, slot); err != nil {
			return err
		}
	}
	return nil
}
