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

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"

	"github.com/snapcore/absnap/devmapper"
	"github.com/snapcore/absnap/dirs"
	"github.com/snapcore/absnap/imagestore"
	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/partmd"
	"github.com/snapcore/absnap/snapshot"
	"github.com/snapcore/absnap/sysconfig"
)

type options struct{}

var optionsData options

type cmdInfo struct {
	name, shortHelp, longHelp string
	builder                   func() flags.Commander
}

var commands []*cmdInfo

// addCommand replaces parser.addCommand() in a way that is
// compatible with re-constructing a pristine parser.
func addCommand(name, shortHelp, longHelp string, builder func() flags.Commander) *cmdInfo {
	info := &cmdInfo{
		name:      name,
		shortHelp: shortHelp,
		longHelp:  longHelp,
		builder:   builder,
	}
	commands = append(commands, info)
	return info
}

// Parser creates and populates a fresh parser.
func Parser() *flags.Parser {
	parser := flags.NewParser(&optionsData, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = "Tool to drive A/B update snapshots"
	for _, c := range commands {
		_, err := parser.AddCommand(c.name, c.shortHelp, c.longHelp, c.builder())
		if err != nil {
			logger.Panicf("cannot add command %q: %v", c.name, err)
		}
	}
	return parser
}

// getSnapshotManager builds the engine from the system configuration.
func getSnapshotManager(firstStage bool) (*snapshot.Manager, error) {
	cfg, err := sysconfig.Load(dirs.ConfFile)
	if err != nil {
		return nil, err
	}
	suffix, err := cfg.CurrentSlotSuffix()
	if err != nil {
		return nil, err
	}
	otherSuffix, err := partmd.OtherSuffix(suffix)
	if err != nil {
		return nil, err
	}
	device := &snapshot.DeviceInfo{
		SlotSuffix:       func() string { return suffix },
		OtherSlotSuffix:  func() string { return otherSuffix },
		SuperDevice:      func(slot int) string { return cfg.SuperDevice },
		IsOverlayfsSetup: isOverlayfsSetup,
	}
	images, err := imagestore.NewFileStore(dirs.ImagesDir, dirs.RunDir)
	if err != nil {
		return nil, err
	}
	if firstStage {
		return snapshot.NewForFirstStageMount(device, devmapper.New(), images)
	}
	return snapshot.New(device, devmapper.New(), images)
}

// currentSuperDevice returns the configured super partition path.
func currentSuperDevice() (string, error) {
	cfg, err := sysconfig.Load(dirs.ConfFile)
	if err != nil {
		return "", err
	}
	return cfg.SuperDevice, nil
}

// isOverlayfsSetup reports whether an overlay filesystem shadows the
// root; staging snapshots underneath one would corrupt the overlay.
func isOverlayfsSetup() bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 3 && fields[2] == "overlay" && fields[1] == "/" {
			return true
		}
	}
	return false
}

func run() error {
	parser := Parser()
	_, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			parser.WriteHelp(os.Stdout)
			return nil
		}
		return err
	}
	return nil
}

func main() {
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot set up logging: %v\n", err)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
