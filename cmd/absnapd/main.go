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

// absnapd is the post-boot daemon: it exposes the snapshot engine
// over a unix socket and drives pending merges to completion.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snapcore/absnap/daemon"
	"github.com/snapcore/absnap/devmapper"
	"github.com/snapcore/absnap/dirs"
	"github.com/snapcore/absnap/imagestore"
	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/partmd"
	"github.com/snapcore/absnap/snapshot"
	"github.com/snapcore/absnap/sysconfig"
)

func main() {
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot set up logging: %v\n", err)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cannot run absnapd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := sysconfig.Load(dirs.ConfFile)
	if err != nil {
		return err
	}
	suffix, err := cfg.CurrentSlotSuffix()
	if err != nil {
		return err
	}
	otherSuffix, err := partmd.OtherSuffix(suffix)
	if err != nil {
		return err
	}
	device := &snapshot.DeviceInfo{
		SlotSuffix:      func() string { return suffix },
		OtherSlotSuffix: func() string { return otherSuffix },
		SuperDevice:     func(slot int) string { return cfg.SuperDevice },
		// by the time the daemon runs the rootfs is decided; an
		// overlayfs only matters while staging, and the daemon has
		// no snapshot-creation action
		IsOverlayfsSetup: func() bool { return false },
	}
	images, err := imagestore.NewFileStore(dirs.ImagesDir, dirs.RunDir)
	if err != nil {
		return err
	}
	mgr, err := snapshot.New(device, devmapper.New(), images)
	if err != nil {
		return err
	}

	d, err := daemon.New(mgr)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dirs.RunDir, 0755); err != nil {
		return err
	}
	if err := d.Init(cfg.Socket); err != nil {
		return err
	}
	d.Start()
	logger.Noticef("started absnapd on %s", cfg.Socket)

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		logger.Noticef("exiting on %s", sig)
	case <-d.Dying():
	}

	return d.Stop()
}
