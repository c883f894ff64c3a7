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

package imagestore

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/snapcore/absnap/osutil"
)

// loop device ioctls from <linux/loop.h>
const (
	loopSetFd       = 0x4C00
	loopClrFd       = 0x4C01
	loopSetStatus64 = 0x4C04
	loopCtlGetFree  = 0x4C82
)

// loopInfo64 mirrors struct loop_info64 from <linux/loop.h>.
type loopInfo64 struct {
	Device         uint64
	Inode          uint64
	Rdevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          uint32
	FileName       [64]byte
	CryptName      [64]byte
	EncryptKey     [32]byte
	Init           [2]uint64
}

var (
	loopAttach = loopAttachImpl
	loopDetach = loopDetachImpl
)

func loopAttachImpl(backingFile string) (string, error) {
	backingFd, err := unix.Open(backingFile, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("cannot open backing file %s: %v", backingFile, err)
	}
	defer unix.Close(backingFd)

	ctlFd, err := unix.Open("/dev/loop-control", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("cannot open /dev/loop-control: %v", err)
	}
	defer unix.Close(ctlFd)

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(ctlFd), loopCtlGetFree, 0)
	if errno != 0 {
		return "", fmt.Errorf("cannot find free loop device: %v", errno)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", devNum)
	loopFd, err := unix.Open(loopPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("cannot open loop device %s: %v", loopPath, err)
	}
	defer unix.Close(loopFd)

	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetFd, uintptr(backingFd))
	if errno != 0 {
		return "", fmt.Errorf("cannot attach %s to %s: %v", backingFile, loopPath, errno)
	}

	var info loopInfo64
	copy(info.FileName[:], backingFile)
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopSetStatus64, uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
		return "", fmt.Errorf("cannot configure loop device %s: %v", loopPath, errno)
	}

	return loopPath, nil
}

func loopDetachImpl(loopPath string) error {
	loopFd, err := unix.Open(loopPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("cannot open loop device %s: %v", loopPath, err)
	}
	defer unix.Close(loopFd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(loopFd), loopClrFd, 0)
	if errno != 0 && errno != unix.ENXIO {
		return fmt.Errorf("cannot detach loop device %s: %v", loopPath, errno)
	}
	return nil
}

func preallocate(f *os.File, size uint64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, int64(size))
	if err == unix.EOPNOTSUPP {
		// filesystems without fallocate support get a sparse file
		return f.Truncate(int64(size))
	}
	return err
}

func waitForNode(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if osutil.FileExists(path) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("cannot find device node %s after %v", path, timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
