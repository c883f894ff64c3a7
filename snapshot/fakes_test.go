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

package snapshot_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/snapcore/absnap/devmapper"
	"github.com/snapcore/absnap/imagestore"
)

// fakeDevice is one composed device in the fake mapper.
type fakeDevice struct {
	table *devmapper.Table
	path  string
	minor int
}

// fakeMapper implements devmapper.Mapper against an in-memory device
// registry; device nodes are plain files so the engine can write to
// them.
type fakeMapper struct {
	devDir    string
	devices   map[string]*fakeDevice
	nextMinor int

	// mergeStatus overrides the kernel status params of snapshot
	// devices, keyed by device name.
	mergeStatus map[string]string

	// createErr injects a creation failure for a device name.
	createErr map[string]error

	// loadErr injects a table-swap failure for a device name.
	loadErr map[string]error

	// ops records mapper calls for assertions.
	ops []string
}

func newFakeMapper(devDir string) *fakeMapper {
	return &fakeMapper{
		devDir:      devDir,
		devices:     make(map[string]*fakeDevice),
		mergeStatus: make(map[string]string),
		createErr:   make(map[string]error),
		loadErr:     make(map[string]error),
	}
}

// reboot drops all devices, like a real reboot would.
func (f *fakeMapper) reboot() {
	for name := range f.devices {
		f.RemoveDeviceIfExists(name)
	}
	f.ops = nil
}

func (f *fakeMapper) deviceNames() []string {
	var names []string
	for name := range f.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeMapper) CreateDevice(name string, table *devmapper.Table, timeout time.Duration) (string, error) {
	f.ops = append(f.ops, "create "+name)
	if err := f.createErr[name]; err != nil {
		return "", err
	}
	if _, ok := f.devices[name]; ok {
		return "", fmt.Errorf("device %q already exists", name)
	}
	minor := f.nextMinor
	f.nextMinor++
	path := filepath.Join(f.devDir, fmt.Sprintf("dm-%d", minor))
	if err := os.WriteFile(path, make([]byte, 8), 0600); err != nil {
		return "", err
	}
	f.devices[name] = &fakeDevice{table: table, path: path, minor: minor}
	return path, nil
}

func (f *fakeMapper) LoadTableAndActivate(name string, table *devmapper.Table) error {
	f.ops = append(f.ops, "load "+name)
	if err := f.loadErr[name]; err != nil {
		return err
	}
	dev, ok := f.devices[name]
	if !ok {
		return devmapper.ErrDeviceNotFound
	}
	dev.table = table
	return nil
}

func (f *fakeMapper) RemoveDeviceIfExists(name string) error {
	f.ops = append(f.ops, "remove "+name)
	dev, ok := f.devices[name]
	if !ok {
		return nil
	}
	os.Remove(dev.path)
	delete(f.devices, name)
	return nil
}

func (f *fakeMapper) DeviceExists(name string) bool {
	_, ok := f.devices[name]
	return ok
}

func (f *fakeMapper) targetInfos(name string, statusQuery bool) ([]devmapper.TargetInfo, error) {
	dev, ok := f.devices[name]
	if !ok {
		return nil, devmapper.ErrDeviceNotFound
	}
	var infos []devmapper.TargetInfo
	for _, t := range dev.table.Targets {
		params := t.Params()
		if statusQuery {
			if _, isSnap := t.(devmapper.TargetSnapshot); isSnap {
				params = f.mergeStatus[name]
				if params == "" {
					// a fresh snapshot holds only bookkeeping chunks
					params = "16/1024 16"
				}
			}
		}
		infos = append(infos, devmapper.TargetInfo{
			Start:      t.Start(),
			Length:     t.Length(),
			TargetType: t.Type(),
			Params:     params,
		})
	}
	return infos, nil
}

func (f *fakeMapper) Table(name string) ([]devmapper.TargetInfo, error) {
	return f.targetInfos(name, false)
}

func (f *fakeMapper) Status(name string) ([]devmapper.TargetInfo, error) {
	return f.targetInfos(name, true)
}

func (f *fakeMapper) DeviceString(name string) (string, error) {
	dev, ok := f.devices[name]
	if !ok {
		return "", devmapper.ErrDeviceNotFound
	}
	return fmt.Sprintf("252:%d", dev.minor), nil
}

func (f *fakeMapper) DevicePath(name string) (string, error) {
	dev, ok := f.devices[name]
	if !ok {
		return "", devmapper.ErrDeviceNotFound
	}
	return dev.path, nil
}

// fakeImages implements imagestore.Manager with plain files, mapping
// an image to its own backing file.
type fakeImages struct {
	dir    string
	mapped map[string]bool
}

func newFakeImages(dir string) *fakeImages {
	return &fakeImages{dir: dir, mapped: make(map[string]bool)}
}

func (f *fakeImages) path(name string) string {
	return filepath.Join(f.dir, name+".img")
}

func (f *fakeImages) CreateBackingImage(name string, size uint64, flags imagestore.CreateFlags) error {
	if _, err := os.Stat(f.path(name)); err == nil {
		return fmt.Errorf("image %q already exists", name)
	}
	return os.WriteFile(f.path(name), make([]byte, size), 0600)
}

func (f *fakeImages) BackingImageExists(name string) bool {
	_, err := os.Stat(f.path(name))
	return err == nil
}

func (f *fakeImages) DeleteBackingImage(name string) error {
	if f.mapped[name] {
		return fmt.Errorf("image %q is still mapped", name)
	}
	return os.Remove(f.path(name))
}

func (f *fakeImages) MapImageDevice(name string, timeout time.Duration) (string, error) {
	if !f.BackingImageExists(name) {
		return "", fmt.Errorf("no such image %q", name)
	}
	f.mapped[name] = true
	return f.path(name), nil
}

func (f *fakeImages) MapImageWithLocalDevice(name string) (string, error) {
	return f.MapImageDevice(name, 0)
}

func (f *fakeImages) UnmapImageIfExists(name string) error {
	delete(f.mapped, name)
	return nil
}
