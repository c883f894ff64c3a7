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

package imagestore_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/snapcore/absnap/imagestore"
	"github.com/snapcore/absnap/testutil"
)

func Test(t *testing.T) { TestingT(t) }

type imageStoreSuite struct {
	testutil.BaseTest

	store    *imagestore.FileStore
	imgDir   string
	runDir   string
	attached []string
	detached []string
}

var _ = Suite(&imageStoreSuite{})

func (s *imageStoreSuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)

	tmp := c.MkDir()
	s.imgDir = filepath.Join(tmp, "images")
	s.runDir = filepath.Join(tmp, "run")
	s.attached = nil
	s.detached = nil

	s.AddCleanup(imagestore.MockLoopAttach(func(backingFile string) (string, error) {
		s.attached = append(s.attached, backingFile)
		return fmt.Sprintf("/dev/loop%d", len(s.attached)-1), nil
	}))
	s.AddCleanup(imagestore.MockLoopDetach(func(loopPath string) error {
		s.detached = append(s.detached, loopPath)
		return nil
	}))

	var err error
	s.store, err = imagestore.NewFileStore(s.imgDir, s.runDir)
	c.Assert(err, IsNil)
}

func (s *imageStoreSuite) TestCreateBackingImage(c *C) {
	err := s.store.CreateBackingImage("system_b-cow-img", 4096, imagestore.CreateDefault)
	c.Assert(err, IsNil)

	st, err := os.Stat(filepath.Join(s.imgDir, "system_b-cow-img.img"))
	c.Assert(err, IsNil)
	c.Check(st.Size(), Equals, int64(4096))
	c.Check(s.store.BackingImageExists("system_b-cow-img"), Equals, true)
}

func (s *imageStoreSuite) TestCreateBackingImageTwice(c *C) {
	c.Assert(s.store.CreateBackingImage("img", 4096, imagestore.CreateDefault), IsNil)
	err := s.store.CreateBackingImage("img", 4096, imagestore.CreateDefault)
	c.Check(err, ErrorMatches, `cannot create image "img": already exists`)
}

func (s *imageStoreSuite) TestCreateBackingImageZeroSize(c *C) {
	err := s.store.CreateBackingImage("img", 0, imagestore.CreateDefault)
	c.Check(err, ErrorMatches, `cannot create image "img" with zero size`)
}

func (s *imageStoreSuite) TestCreateBackingImageBadName(c *C) {
	for _, name := range []string{"", ".", "..", "a/b"} {
		err := s.store.CreateBackingImage(name, 4096, imagestore.CreateDefault)
		c.Check(err, ErrorMatches, `invalid image name .*`, Commentf("name %q", name))
	}
}

func (s *imageStoreSuite) TestMapUnmap(c *C) {
	c.Assert(s.store.CreateBackingImage("img", 4096, imagestore.CreateDefault), IsNil)

	path, err := s.store.MapImageWithLocalDevice("img")
	c.Assert(err, IsNil)
	c.Check(path, Equals, "/dev/loop0")
	c.Check(s.attached, DeepEquals, []string{filepath.Join(s.imgDir, "img.img")})
	c.Check(filepath.Join(s.runDir, "img.loop"), testutil.FileEquals, "/dev/loop0\n")

	// mapping again returns the recorded device
	path, err = s.store.MapImageWithLocalDevice("img")
	c.Assert(err, IsNil)
	c.Check(path, Equals, "/dev/loop0")
	c.Check(s.attached, HasLen, 1)

	c.Assert(s.store.UnmapImageIfExists("img"), IsNil)
	c.Check(s.detached, DeepEquals, []string{"/dev/loop0"})
	c.Check(filepath.Join(s.runDir, "img.loop"), testutil.FileAbsent)

	// unmapping an unmapped image is fine
	c.Assert(s.store.UnmapImageIfExists("img"), IsNil)
	c.Check(s.detached, HasLen, 1)
}

func (s *imageStoreSuite) TestMapMissingImage(c *C) {
	_, err := s.store.MapImageWithLocalDevice("absent")
	c.Check(err, ErrorMatches, `cannot map image "absent": no such image`)
}

func (s *imageStoreSuite) TestDeleteBackingImage(c *C) {
	c.Assert(s.store.CreateBackingImage("img", 4096, imagestore.CreateDefault), IsNil)
	c.Assert(s.store.DeleteBackingImage("img"), IsNil)
	c.Check(s.store.BackingImageExists("img"), Equals, false)

	// deleting a missing image is fine
	c.Assert(s.store.DeleteBackingImage("img"), IsNil)
}

func (s *imageStoreSuite) TestDeleteMappedImage(c *C) {
	c.Assert(s.store.CreateBackingImage("img", 4096, imagestore.CreateDefault), IsNil)
	_, err := s.store.MapImageWithLocalDevice("img")
	c.Assert(err, IsNil)

	err = s.store.DeleteBackingImage("img")
	c.Check(err, ErrorMatches, `cannot delete image "img": still mapped`)
}
