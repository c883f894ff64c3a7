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

// Package sysconfig loads the engine configuration used by the
// absnap tools.
package sysconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/mvo5/goconfigparser"

	"github.com/snapcore/absnap/dirs"
	"github.com/snapcore/absnap/osutil"
)

// Config describes the booted device to the absnap tools.
type Config struct {
	// SuperDevice is the super partition device path.
	SuperDevice string
	// SlotSuffix is the currently booted slot suffix; when empty it
	// is read from the kernel command line.
	SlotSuffix string
	// Socket is the absnapd control socket path.
	Socket string
}

const (
	defaultSuperDevice = "/dev/disk/by-partlabel/super"
	cmdlineSlotParam   = "absnap.slot_suffix"
)

// Load reads the configuration file, tolerating a missing file by
// returning defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		SuperDevice: defaultSuperDevice,
		Socket:      dirs.SocketPath,
	}
	if !osutil.FileExists(path) {
		return cfg, nil
	}

	parser := goconfigparser.New()
	if err := parser.ReadFile(path); err != nil {
		return nil, fmt.Errorf("cannot read configuration %s: %v", path, err)
	}
	for option, dst := range map[string]*string{
		"super-device": &cfg.SuperDevice,
		"slot-suffix":  &cfg.SlotSuffix,
		"socket":       &cfg.Socket,
	} {
		value, err := parser.Get("absnap", option)
		if err == nil && value != "" {
			*dst = value
		}
	}
	return cfg, nil
}

// CurrentSlotSuffix returns the configured slot suffix, falling back
// to the kernel command line.
func (c *Config) CurrentSlotSuffix() (string, error) {
	if c.SlotSuffix != "" {
		return c.SlotSuffix, nil
	}
	return slotSuffixFromKernelCmdline()
}

var procCmdline = "/proc/cmdline"

func slotSuffixFromKernelCmdline() (string, error) {
	data, err := os.ReadFile(procCmdline)
	if err != nil {
		return "", fmt.Errorf("cannot read kernel command line: %v", err)
	}
	for _, field := range strings.Fields(string(data)) {
		if strings.HasPrefix(field, cmdlineSlotParam+"=") {
			return strings.TrimPrefix(field, cmdlineSlotParam+"="), nil
		}
	}
	return "", fmt.Errorf("cannot find %s= in the kernel command line", cmdlineSlotParam)
}

// MockProcCmdline replaces the kernel command line path for tests.
func MockProcCmdline(path string) (restore func()) {
	old := procCmdline
	procCmdline = path
	return func() {
		procCmdline = old
	}
}
