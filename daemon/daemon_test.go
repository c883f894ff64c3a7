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

package daemon_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/daemon"
	"github.com/snapcore/absnap/snapshot"
)

func Test(t *testing.T) { TestingT(t) }

// fakeEngine implements daemon.SnapshotEngine with canned behavior.
type fakeEngine struct {
	state    snapshot.UpdateState
	progress float64
	dump     string
	calls    []string
	errOn    map[string]error
}

func (f *fakeEngine) call(name string) error {
	f.calls = append(f.calls, name)
	return f.errOn[name]
}

func (f *fakeEngine) GetUpdateState(progress *float64) (snapshot.UpdateState, error) {
	if err := f.call("get-state"); err != nil {
		return snapshot.UpdateStateNone, err
	}
	if progress != nil {
		*progress = f.progress
	}
	return f.state, nil
}

func (f *fakeEngine) BeginUpdate() error            { return f.call("begin") }
func (f *fakeEngine) CancelUpdate() error           { return f.call("cancel") }
func (f *fakeEngine) FinishedSnapshotWrites() error { return f.call("finish") }
func (f *fakeEngine) InitiateMerge() error          { return f.call("initiate-merge") }

func (f *fakeEngine) ProcessUpdateState() (snapshot.UpdateState, error) {
	return f.state, f.call("process")
}

func (f *fakeEngine) Dump(w io.Writer) error {
	if err := f.call("dump"); err != nil {
		return err
	}
	fmt.Fprint(w, f.dump)
	return nil
}

type daemonSuite struct {
	engine *fakeEngine
	d      *daemon.Daemon
}

var _ = Suite(&daemonSuite{})

func (s *daemonSuite) SetUpTest(c *C) {
	s.engine = &fakeEngine{
		state: snapshot.UpdateStateNone,
		errOn: make(map[string]error),
	}
	var err error
	s.d, err = daemon.New(s.engine)
	c.Assert(err, IsNil)
}

func (s *daemonSuite) request(c *C, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, IsNil)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.d.Router().ServeHTTP(rec, req)
	return rec
}

func (s *daemonSuite) decode(c *C, rec *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &body), IsNil)
	return body
}

func (s *daemonSuite) TestGetState(c *C) {
	s.engine.state = snapshot.UpdateStateMergeCompleted
	s.engine.progress = 100.0

	rec := s.request(c, "GET", "/v1/state", nil)
	c.Check(rec.Code, Equals, 200)
	body := s.decode(c, rec)
	c.Check(body["type"], Equals, "sync")
	result := body["result"].(map[string]interface{})
	c.Check(result["state"], Equals, "merge-completed")
	c.Check(result["progress"], Equals, 100.0)
}

func (s *daemonSuite) TestGetSnapshots(c *C) {
	s.engine.dump = "Update state: none\n"
	rec := s.request(c, "GET", "/v1/snapshots", nil)
	c.Check(rec.Code, Equals, 200)
	result := s.decode(c, rec)["result"].(map[string]interface{})
	c.Check(result["dump"], Equals, "Update state: none\n")
}

func (s *daemonSuite) TestPostUpdateActions(c *C) {
	for _, t := range []struct {
		action string
		call   string
	}{
		{"begin", "begin"},
		{"cancel", "cancel"},
		{"finish", "finish"},
		{"initiate-merge", "initiate-merge"},
	} {
		s.engine.calls = nil
		rec := s.request(c, "POST", "/v1/update", map[string]string{"action": t.action})
		c.Check(rec.Code, Equals, 200, Commentf("action %q", t.action))
		c.Check(s.engine.calls, DeepEquals, []string{t.call})
	}
}

func (s *daemonSuite) TestPostUpdateUnknownAction(c *C) {
	rec := s.request(c, "POST", "/v1/update", map[string]string{"action": "explode"})
	c.Check(rec.Code, Equals, 400)
	body := s.decode(c, rec)
	c.Check(body["type"], Equals, "error")
}

func (s *daemonSuite) TestPostUpdateConflict(c *C) {
	s.engine.errOn["begin"] = fmt.Errorf("%w: update already in progress", snapshot.ErrInvalidTransition)
	rec := s.request(c, "POST", "/v1/update", map[string]string{"action": "begin"})
	c.Check(rec.Code, Equals, 409)
}

func (s *daemonSuite) TestMethodNotAllowed(c *C) {
	rec := s.request(c, "POST", "/v1/state", nil)
	c.Check(rec.Code, Equals, 405)
}

func (s *daemonSuite) TestNotFound(c *C) {
	rec := s.request(c, "GET", "/v1/bogus", nil)
	c.Check(rec.Code, Equals, 404)
}
