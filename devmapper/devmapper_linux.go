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

package devmapper

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"gopkg.in/retry.v1"

	"github.com/snapcore/absnap/dirs"
	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/osutil"
)

const dmControlPath = "/dev/mapper/control"

// initial scratch space for ioctl results; doubled while the kernel
// reports DM_BUFFER_FULL_FLAG
const dmInitialBufferSize = 16 * 1024

var (
	osOpenFile = os.OpenFile
	dmIoctl    = dmIoctlImpl
	nodeWait   = retry.Exponential{
		Initial: 10 * time.Millisecond,
		Factor:  1.5,
	}
)

func dmIoctlImpl(fd uintptr, command int, data unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(command), uintptr(data))
	if errno != 0 {
		return errno
	}
	return nil
}

var hostEndian binary.ByteOrder

func init() {
	i := uint16(1)
	if *(*byte)(unsafe.Pointer(&i)) == 1 {
		hostEndian = binary.LittleEndian
	} else {
		hostEndian = binary.BigEndian
	}
}

// Endian returns the byte order used to frame device-mapper ioctl
// structures.
func Endian() binary.ByteOrder {
	return hostEndian
}

// dm implements Mapper using the device-mapper control node.
type dm struct{}

// New returns a Mapper backed by the kernel's /dev/mapper/control.
func New() Mapper {
	return &dm{}
}

func newHeader(name string, flags uint32, dataSize int) (*unix.DmIoctl, error) {
	if len(name) >= unix.DM_NAME_LEN {
		return nil, fmt.Errorf("cannot use device name %q: longer than %d bytes", name, unix.DM_NAME_LEN-1)
	}
	ioc := &unix.DmIoctl{
		Version:    [3]uint32{unix.DM_VERSION_MAJOR, unix.DM_VERSION_MINOR, unix.DM_VERSION_PATCHLEVEL},
		Data_size:  uint32(dataSize),
		Data_start: unix.SizeofDmIoctl,
		Flags:      flags,
	}
	copy(ioc.Name[:], name)
	return ioc, nil
}

// ioctl performs one device-mapper ioctl, retrying with a larger
// buffer while the kernel reports that the result did not fit.
func (d *dm) ioctl(command int, name string, flags uint32, payload []byte) (*unix.DmIoctl, []byte, error) {
	f, err := osOpenFile(dmControlPath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open %s: %v", dmControlPath, err)
	}
	defer f.Close()

	bufSize := dmInitialBufferSize
	if unix.SizeofDmIoctl+len(payload) > bufSize {
		bufSize = unix.SizeofDmIoctl + len(payload)
	}

	for {
		ioc, err := newHeader(name, flags, bufSize)
		if err != nil {
			return nil, nil, err
		}
		buf := make([]byte, bufSize)
		w := bytes.NewBuffer(buf[:0])
		if err := binary.Write(w, hostEndian, ioc); err != nil {
			return nil, nil, err
		}
		copy(buf[unix.SizeofDmIoctl:], payload)

		if err := dmIoctl(f.Fd(), command, unsafe.Pointer(&buf[0])); err != nil {
			return nil, nil, err
		}

		resp := &unix.DmIoctl{}
		if err := binary.Read(bytes.NewReader(buf), hostEndian, resp); err != nil {
			return nil, nil, err
		}
		if resp.Flags&unix.DM_BUFFER_FULL_FLAG != 0 {
			bufSize *= 2
			continue
		}
		if resp.Data_start > resp.Data_size {
			return resp, nil, nil
		}
		return resp, buf[resp.Data_start:resp.Data_size], nil
	}
}

// packTable serializes a table into the dm_target_spec wire format:
// for each target a spec header, the parameter string, a NUL, padded
// to 8 bytes, with Next holding the relative offset to the next spec.
func packTable(table *Table) ([]byte, error) {
	buf := &bytes.Buffer{}
	for _, target := range table.Targets {
		params := target.Params()
		padded := (unix.SizeofDmTargetSpec + len(params) + 1 + 7) &^ 7
		spec := unix.DmTargetSpec{
			Sector_start: target.Start(),
			Length:       target.Length(),
			Next:         uint32(padded),
		}
		if len(target.Type()) >= len(spec.Target_type) {
			return nil, fmt.Errorf("cannot use target type %q: too long", target.Type())
		}
		copy(spec.Target_type[:], target.Type())
		start := buf.Len()
		if err := binary.Write(buf, hostEndian, spec); err != nil {
			return nil, err
		}
		buf.WriteString(params)
		for buf.Len()-start < padded {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes(), nil
}

// parseTargets walks the dm_target_spec entries of an ioctl result; in
// results Next is the cumulative offset from the start of the data
// area to the end of the entry.
func parseTargets(resp *unix.DmIoctl, data []byte) ([]TargetInfo, error) {
	infos := make([]TargetInfo, 0, resp.Target_count)
	offset := uint32(0)
	for i := uint32(0); i < resp.Target_count; i++ {
		if int(offset)+unix.SizeofDmTargetSpec > len(data) {
			return nil, fmt.Errorf("cannot parse device-mapper result: truncated target %d", i)
		}
		spec := unix.DmTargetSpec{}
		if err := binary.Read(bytes.NewReader(data[offset:]), hostEndian, &spec); err != nil {
			return nil, err
		}
		end := spec.Next
		if end > uint32(len(data)) || end <= offset {
			end = uint32(len(data))
		}
		params := data[offset+unix.SizeofDmTargetSpec : end]
		if i := bytes.IndexByte(params, 0); i >= 0 {
			params = params[:i]
		}
		infos = append(infos, TargetInfo{
			Start:      spec.Sector_start,
			Length:     spec.Length,
			TargetType: string(bytes.TrimRight(spec.Target_type[:], "\x00")),
			Params:     string(params),
		})
		offset = spec.Next
	}
	return infos, nil
}

func (d *dm) loadTable(name string, table *Table) error {
	payload, err := packTable(table)
	if err != nil {
		return err
	}
	return d.ioctlWithCount(unix.DM_TABLE_LOAD, name, 0, uint32(len(table.Targets)), payload)
}

// ioctlWithCount is like ioctl but also sets Target_count, used by
// table loads.
func (d *dm) ioctlWithCount(command int, name string, flags uint32, count uint32, payload []byte) error {
	f, err := osOpenFile(dmControlPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot open %s: %v", dmControlPath, err)
	}
	defer f.Close()

	bufSize := unix.SizeofDmIoctl + len(payload)
	ioc, err := newHeader(name, flags, bufSize)
	if err != nil {
		return err
	}
	ioc.Target_count = count
	buf := make([]byte, bufSize)
	w := bytes.NewBuffer(buf[:0])
	if err := binary.Write(w, hostEndian, ioc); err != nil {
		return err
	}
	copy(buf[unix.SizeofDmIoctl:], payload)

	return dmIoctl(f.Fd(), command, unsafe.Pointer(&buf[0]))
}

func (d *dm) CreateDevice(name string, table *Table, timeout time.Duration) (string, error) {
	if _, _, err := d.ioctl(unix.DM_DEV_CREATE, name, 0, nil); err != nil {
		return "", fmt.Errorf("cannot create device %q: %v", name, err)
	}
	if err := d.activate(name, table); err != nil {
		if rerr := d.RemoveDeviceIfExists(name); rerr != nil {
			logger.Noticef("cannot remove half-created device %q: %v", name, rerr)
		}
		return "", err
	}
	path, err := d.DevicePath(name)
	if err != nil {
		return "", err
	}
	if timeout > 0 {
		if err := waitForDeviceNode(path, timeout); err != nil {
			if rerr := d.RemoveDeviceIfExists(name); rerr != nil {
				logger.Noticef("cannot remove device %q without node: %v", name, rerr)
			}
			return "", err
		}
	}
	return path, nil
}

func (d *dm) activate(name string, table *Table) error {
	if err := d.loadTable(name, table); err != nil {
		return fmt.Errorf("cannot load table for device %q: %v", name, err)
	}
	// DM_DEV_SUSPEND without the suspend flag resumes the device,
	// making the inactive table live
	if _, _, err := d.ioctl(unix.DM_DEV_SUSPEND, name, 0, nil); err != nil {
		return fmt.Errorf("cannot resume device %q: %v", name, err)
	}
	return nil
}

func (d *dm) LoadTableAndActivate(name string, table *Table) error {
	return d.activate(name, table)
}

func (d *dm) RemoveDeviceIfExists(name string) error {
	_, _, err := d.ioctl(unix.DM_DEV_REMOVE, name, 0, nil)
	if err == unix.ENXIO || err == unix.ENODEV {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot remove device %q: %v", name, err)
	}
	return nil
}

func (d *dm) DeviceExists(name string) bool {
	_, _, err := d.ioctl(unix.DM_DEV_STATUS, name, 0, nil)
	return err == nil
}

func (d *dm) Table(name string) ([]TargetInfo, error) {
	return d.tableStatus(name, unix.DM_STATUS_TABLE_FLAG)
}

func (d *dm) Status(name string) ([]TargetInfo, error) {
	return d.tableStatus(name, 0)
}

func (d *dm) tableStatus(name string, flags uint32) ([]TargetInfo, error) {
	resp, data, err := d.ioctl(unix.DM_TABLE_STATUS, name, flags, nil)
	if err == unix.ENXIO || err == unix.ENODEV {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cannot query device %q: %v", name, err)
	}
	return parseTargets(resp, data)
}

func (d *dm) deviceNumber(name string) (uint64, error) {
	resp, _, err := d.ioctl(unix.DM_DEV_STATUS, name, 0, nil)
	if err == unix.ENXIO || err == unix.ENODEV {
		return 0, ErrDeviceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("cannot query device %q: %v", name, err)
	}
	return resp.Dev, nil
}

func (d *dm) DeviceString(name string) (string, error) {
	dev, err := d.deviceNumber(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d:%d", unix.Major(dev), unix.Minor(dev)), nil
}

func (d *dm) DevicePath(name string) (string, error) {
	dev, err := d.deviceNumber(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dirs.DevDir, fmt.Sprintf("dm-%d", unix.Minor(dev))), nil
}

func waitForDeviceNode(path string, timeout time.Duration) error {
	strategy := retry.LimitTime(timeout, nodeWait)
	for a := retry.Start(strategy, nil); a.Next(); {
		if osutil.FileExists(path) {
			return nil
		}
	}
	return fmt.Errorf("cannot find device node %s after %v", path, timeout)
}
