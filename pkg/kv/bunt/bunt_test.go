package bunt_test

import (
	"testing"

	"github.com/mistifyio/flashnbd/pkg/kv"
	_ "github.com/mistifyio/flashnbd/pkg/kv/bunt"
	"github.com/stretchr/testify/suite"
)

func TestBunt(t *testing.T) {
	suite.Run(t, new(BuntSuite))
}

type BuntSuite struct {
	suite.Suite
	KV kv.KV
}

func (s *BuntSuite) SetupTest() {
	var err error
	s.KV, err = kv.New("bunt://memory")
	s.Require().NoError(err)
}

func (s *BuntSuite) TearDownTest() {
	s.NoError(s.KV.Close())
}

func (s *BuntSuite) TestGetMissing() {
	_, err := s.KV.Get("flashnbd/missing")
	s.Error(err)
	s.True(s.KV.IsKeyNotFound(err))
}

func (s *BuntSuite) TestSetGet() {
	s.Require().NoError(s.KV.Set("flashnbd/a", "1"))
	v, err := s.KV.Get("flashnbd/a")
	s.NoError(err)
	s.Equal("1", string(v.Data))
	s.NotZero(v.Index)
}

func (s *BuntSuite) TestUpdate() {
	index, err := s.KV.Update("flashnbd/u", kv.Value{Data: []byte("first")})
	s.Require().NoError(err)

	_, err = s.KV.Update("flashnbd/u", kv.Value{Data: []byte("again")})
	s.True(kv.IsConflict(err), "create of an existing key should conflict")

	newIndex, err := s.KV.Update("flashnbd/u", kv.Value{Data: []byte("second"), Index: index})
	s.Require().NoError(err)
	s.True(newIndex > index)

	_, err = s.KV.Update("flashnbd/u", kv.Value{Data: []byte("stale"), Index: index})
	s.True(kv.IsConflict(err), "stale index should conflict")

	v, err := s.KV.Get("flashnbd/u")
	s.NoError(err)
	s.Equal("second", string(v.Data))
}

func (s *BuntSuite) TestRemove() {
	index, err := s.KV.Update("flashnbd/r", kv.Value{Data: []byte("x")})
	s.Require().NoError(err)

	s.True(kv.IsConflict(s.KV.Remove("flashnbd/r", index+100)))
	s.NoError(s.KV.Remove("flashnbd/r", index))
	s.True(s.KV.IsKeyNotFound(s.KV.Remove("flashnbd/r", index)))
}

func (s *BuntSuite) TestPrefixes() {
	s.Require().NoError(s.KV.Set("flashnbd/devices/h1/a", "a"))
	s.Require().NoError(s.KV.Set("flashnbd/devices/h1/b", "b"))
	s.Require().NoError(s.KV.Set("flashnbd/devices/h2/c", "c"))

	all, err := s.KV.GetAll("flashnbd/devices/h1/")
	s.NoError(err)
	s.Len(all, 2)

	keys, err := s.KV.Keys("flashnbd/devices/")
	s.NoError(err)
	s.Len(keys, 3)

	s.NoError(s.KV.Delete("flashnbd/devices/h1/", true))
	keys, err = s.KV.Keys("flashnbd/devices/")
	s.NoError(err)
	s.Equal([]string{"flashnbd/devices/h2/c"}, keys)
}
