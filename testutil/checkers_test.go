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

package testutil_test

import (
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type checkersSuite struct{}

var _ = Suite(&checkersSuite{})

func (s *checkersSuite) TestFilePresence(c *C) {
	d := c.MkDir()
	present := filepath.Join(d, "present")
	c.Assert(os.WriteFile(present, nil, 0644), IsNil)

	c.Check(present, testutil.FilePresent)
	c.Check(filepath.Join(d, "absent"), testutil.FileAbsent)
}

func (s *checkersSuite) TestFileEquals(c *C) {
	d := c.MkDir()
	path := filepath.Join(d, "canary")
	c.Assert(os.WriteFile(path, []byte("chirp"), 0644), IsNil)

	c.Check(path, testutil.FileEquals, "chirp")
	c.Check(path, testutil.FileEquals, []byte("chirp"))
	c.Check(path, testutil.FileContains, "hir")
}

func (s *checkersSuite) TestContains(c *C) {
	c.Check("haystack", testutil.Contains, "hay")
}

func (s *checkersSuite) TestBaseTestCleanups(c *C) {
	var calls []string
	bt := &testutil.BaseTest{}
	bt.SetUpTest(c)
	bt.AddCleanup(func() { calls = append(calls, "first") })
	bt.AddCleanup(func() { calls = append(calls, "second") })
	bt.TearDownTest(c)
	// reverse order
	c.Check(calls, DeepEquals, []string{"second", "first"})
}
