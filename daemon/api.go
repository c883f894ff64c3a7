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

package daemon

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/snapcore/absnap/snapshot"
)

var api = []*Command{
	stateCmd,
	snapshotsCmd,
	updateCmd,
}

var (
	stateCmd = &Command{
		Path: "/v1/state",
		GET:  getState,
	}

	snapshotsCmd = &Command{
		Path: "/v1/snapshots",
		GET:  getSnapshots,
	}

	updateCmd = &Command{
		Path: "/v1/update",
		POST: postUpdate,
	}
)

type stateResult struct {
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}

func getState(c *Command, r *http.Request) Response {
	var progress float64
	state, err := c.d.engine.GetUpdateState(&progress)
	if err != nil {
		return InternalError("cannot read update state: %v", err)
	}
	return SyncResponse(&stateResult{State: state.String(), Progress: progress})
}

type snapshotsResult struct {
	Dump string `json:"dump"`
}

func getSnapshots(c *Command, r *http.Request) Response {
	buf := &bytes.Buffer{}
	if err := c.d.engine.Dump(buf); err != nil {
		return InternalError("cannot dump snapshot state: %v", err)
	}
	return SyncResponse(&snapshotsResult{Dump: buf.String()})
}

type updateAction struct {
	Action string `json:"action"`
}

func postUpdate(c *Command, r *http.Request) Response {
	var action updateAction
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&action); err != nil {
		return BadRequest("cannot decode request body: %v", err)
	}

	var err error
	switch action.Action {
	case "begin":
		err = c.d.engine.BeginUpdate()
	case "cancel":
		err = c.d.engine.CancelUpdate()
	case "finish":
		err = c.d.engine.FinishedSnapshotWrites()
	case "initiate-merge":
		if err = c.d.engine.InitiateMerge(); err == nil {
			c.d.KickMerge()
		}
	default:
		return BadRequest("unknown update action %q", action.Action)
	}
	if err != nil {
		if errors.Is(err, snapshot.ErrInvalidTransition) {
			return Conflict("%v", err)
		}
		return InternalError("%v", err)
	}
	return SyncResponse(true)
}
