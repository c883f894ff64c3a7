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

// Package imagestore manages file-backed block devices. Images are
// preallocated files in a backing directory; mapping attaches them to
// loop devices.
package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/osutil"
)

// CreateFlags tweak CreateBackingImage.
type CreateFlags uint

const (
	// CreateDefault is the usual allocation behavior.
	CreateDefault CreateFlags = 0
)

// A Manager allocates, maps and destroys file-backed block devices.
type Manager interface {
	// CreateBackingImage allocates a new image of the given byte size.
	CreateBackingImage(name string, size uint64, flags CreateFlags) error

	// BackingImageExists reports whether the named image exists.
	BackingImageExists(name string) bool

	// DeleteBackingImage removes the named image and its backing
	// storage. The image must not be mapped.
	DeleteBackingImage(name string) error

	// MapImageDevice maps the image as a block device and returns the
	// node path, waiting up to timeout for it to be usable.
	MapImageDevice(name string, timeout time.Duration) (string, error)

	// MapImageWithLocalDevice maps the image without relying on udev;
	// usable in first-stage boot before userspace services are up.
	MapImageWithLocalDevice(name string) (string, error)

	// UnmapImageIfExists detaches the image's block device, treating
	// an unmapped image as success.
	UnmapImageIfExists(name string) error
}

// FileStore is a Manager backed by plain files and loop devices.
type FileStore struct {
	// imagesDir holds the image files.
	imagesDir string
	// runDir holds one record per mapped image with the associated
	// loop device, so unmapping works across process restarts.
	runDir string
}

// NewFileStore creates a file-backed image manager using the given
// backing and runtime state directories.
func NewFileStore(imagesDir, runDir string) (*FileStore, error) {
	for _, dir := range []string{imagesDir, runDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create image store directory: %v", err)
		}
	}
	return &FileStore{imagesDir: imagesDir, runDir: runDir}, nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\x00") || name == "." || name == ".." {
		return fmt.Errorf("invalid image name %q", name)
	}
	return nil
}

func (s *FileStore) imagePath(name string) string {
	return filepath.Join(s.imagesDir, name+".img")
}

func (s *FileStore) loopRecordPath(name string) string {
	return filepath.Join(s.runDir, name+".loop")
}

func (s *FileStore) CreateBackingImage(name string, size uint64, flags CreateFlags) error {
	if err := validName(name); err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("cannot create image %q with zero size", name)
	}
	path := s.imagePath(name)
	if osutil.FileExists(path) {
		return fmt.Errorf("cannot create image %q: already exists", name)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("cannot create image %q: %v", name, err)
	}
	defer f.Close()
	if err := preallocate(f, size); err != nil {
		os.Remove(path)
		return fmt.Errorf("cannot allocate %d bytes for image %q: %v", size, name, err)
	}
	if err := f.Sync(); err != nil {
		os.Remove(path)
		return fmt.Errorf("cannot sync image %q: %v", name, err)
	}
	logger.Debugf("created backing image %q (%d bytes)", name, size)
	return nil
}

func (s *FileStore) BackingImageExists(name string) bool {
	if err := validName(name); err != nil {
		return false
	}
	return osutil.FileExists(s.imagePath(name))
}

func (s *FileStore) DeleteBackingImage(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if osutil.FileExists(s.loopRecordPath(name)) {
		return fmt.Errorf("cannot delete image %q: still mapped", name)
	}
	if err := osutil.RemoveFileIfExists(s.imagePath(name)); err != nil {
		return fmt.Errorf("cannot delete image %q: %v", name, err)
	}
	return nil
}

func (s *FileStore) mapImage(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	path := s.imagePath(name)
	if !osutil.FileExists(path) {
		return "", fmt.Errorf("cannot map image %q: no such image", name)
	}
	if record := s.loopRecordPath(name); osutil.FileExists(record) {
		data, err := os.ReadFile(record)
		if err != nil {
			return "", fmt.Errorf("cannot read mapping record for image %q: %v", name, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	devPath, err := loopAttach(path)
	if err != nil {
		return "", fmt.Errorf("cannot map image %q: %v", name, err)
	}
	if err := osutil.AtomicWriteFile(s.loopRecordPath(name), []byte(devPath+"\n"), 0644, 0); err != nil {
		loopDetach(devPath)
		return "", fmt.Errorf("cannot record mapping for image %q: %v", name, err)
	}
	logger.Debugf("mapped image %q at %s", name, devPath)
	return devPath, nil
}

func (s *FileStore) MapImageDevice(name string, timeout time.Duration) (string, error) {
	devPath, err := s.mapImage(name)
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		if err := waitForNode(devPath, timeout); err != nil {
			s.UnmapImageIfExists(name)
			return "", err
		}
	}
	return devPath, nil
}

func (s *FileStore) MapImageWithLocalDevice(name string) (string, error) {
	// the loop node is created synchronously by the kernel, so no
	// udev-style wait is needed
	return s.mapImage(name)
}

func (s *FileStore) UnmapImageIfExists(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	record := s.loopRecordPath(name)
	if !osutil.FileExists(record) {
		return nil
	}
	data, err := os.ReadFile(record)
	if err != nil {
		return fmt.Errorf("cannot read mapping record for image %q: %v", name, err)
	}
	devPath := strings.TrimSpace(string(data))
	if err := loopDetach(devPath); err != nil {
		return fmt.Errorf("cannot unmap image %q: %v", name, err)
	}
	if err := osutil.RemoveFileIfExists(record); err != nil {
		return fmt.Errorf("cannot remove mapping record for image %q: %v", name, err)
	}
	logger.Debugf("unmapped image %q from %s", name, devPath)
	return nil
}
