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

// Package daemon exposes the snapshot engine over a unix socket and
// drives pending merges in the background.
package daemon

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	sdnotify "github.com/coreos/go-systemd/daemon"
	"github.com/gorilla/mux"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/absnap/logger"
	"github.com/snapcore/absnap/snapshot"
)

// SnapshotEngine is the part of the snapshot manager the daemon
// drives.
type SnapshotEngine interface {
	GetUpdateState(progress *float64) (snapshot.UpdateState, error)
	BeginUpdate() error
	CancelUpdate() error
	FinishedSnapshotWrites() error
	InitiateMerge() error
	ProcessUpdateState() (snapshot.UpdateState, error)
	Dump(w io.Writer) error
}

// A Daemon listens for requests and routes them to the right command.
type Daemon struct {
	Version string

	engine   SnapshotEngine
	tomb     tomb.Tomb
	router   *mux.Router
	listener net.Listener
	serve    *http.Server

	// kickMerge wakes the merge runner.
	kickMerge chan struct{}
}

// A ResponseFunc handles one of the individual verbs for a method.
type ResponseFunc func(*Command, *http.Request) Response

// A Command routes a request to an individual per-verb ResponseFunc.
type Command struct {
	Path string

	GET  ResponseFunc
	POST ResponseFunc

	d *Daemon
}

func (c *Command) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rspf ResponseFunc
	rsp := MethodNotAllowed("method %q not allowed", r.Method)

	switch r.Method {
	case "GET":
		rspf = c.GET
	case "POST":
		rspf = c.POST
	}
	if rspf != nil {
		rsp = rspf(c, r)
	}
	rsp.ServeHTTP(w, r)
}

// New creates a daemon around the given engine.
func New(engine SnapshotEngine) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("internal error: daemon needs a snapshot engine")
	}
	return &Daemon{
		engine:    engine,
		kickMerge: make(chan struct{}, 1),
	}, nil
}

// Init sets up the daemon's routing and socket.
func (d *Daemon) Init(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove stale socket: %v", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %v", socketPath, err)
	}
	d.listener = listener
	d.addRoutes()
	logger.Debugf("listening on %s", socketPath)
	return nil
}

func (d *Daemon) addRoutes() {
	d.router = mux.NewRouter()
	for _, c := range api {
		c.d = d
		d.router.Handle(c.Path, c).Name(c.Path)
	}
	d.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NotFound("not found").ServeHTTP(w, r)
	})
}

// Router exposes the daemon routing for tests.
func (d *Daemon) Router() http.Handler {
	if d.router == nil {
		d.addRoutes()
	}
	return d.router
}

// Start serves requests and runs the merge runner until Stop.
func (d *Daemon) Start() {
	d.serve = &http.Server{Handler: d.router}
	d.tomb.Go(func() error {
		err := d.serve.Serve(d.listener)
		if err == http.ErrServerClosed || d.tomb.Err() != tomb.ErrStillAlive {
			return nil
		}
		return err
	})
	d.tomb.Go(d.mergeRunner)

	// resume a merge interrupted by the last reboot
	state, err := d.engine.GetUpdateState(nil)
	if err != nil {
		logger.Noticef("cannot read update state: %v", err)
	} else if state == snapshot.UpdateStateMerging || state == snapshot.UpdateStateMergeNeedsReboot || state == snapshot.UpdateStateMergeFailed {
		d.KickMerge()
	}

	sdnotify.SdNotify(false, "READY=1")
}

// KickMerge wakes the merge runner to drive a pending merge.
func (d *Daemon) KickMerge() {
	select {
	case d.kickMerge <- struct{}{}:
	default:
	}
}

func (d *Daemon) mergeRunner() error {
	for {
		select {
		case <-d.tomb.Dying():
			return nil
		case <-d.kickMerge:
		}
		state, err := d.engine.ProcessUpdateState()
		if err != nil {
			logger.Noticef("merge processing failed: %v", err)
			continue
		}
		logger.Noticef("merge processing finished with state %s", state)
	}
}

// Stop shuts the daemon down.
func (d *Daemon) Stop() error {
	sdnotify.SdNotify(false, "STOPPING=1")
	d.tomb.Kill(nil)
	if d.serve != nil {
		d.serve.Close()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	if err := d.tomb.Wait(); err != nil {
		return err
	}
	return nil
}

// Dying returns a channel closed when the daemon dies.
func (d *Daemon) Dying() <-chan struct{} {
	return d.tomb.Dying()
}
