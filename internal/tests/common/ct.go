// Package common contains common utilities and suites to be used in other tests
package common

import (
	"context"
	"os"
	"path/filepath"

	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/internal/progress"
	"github.com/mistifyio/flashnbd/pkg/kv"
	_ "github.com/mistifyio/flashnbd/pkg/kv/bunt"
	"github.com/stretchr/testify/suite"
)

// HostName is the name of the local host in tests.
const HostName = "h1"

// Suite sets up a general test suite with setup/teardown. Every test gets a
// fresh in-memory store and a fake host rooted in a temporary directory.
type Suite struct {
	suite.Suite
	KVURL     string
	KVPrefix  string
	KV        kv.KV
	Context   *flashnbd.Context
	Dir       string
	Host      *Host
	Allocator *flashnbd.Allocator
	Manager   *flashnbd.Manager
}

// SetupTest opens the store and builds the fake host.
func (s *Suite) SetupTest() {
	if s.KVURL == "" {
		s.KVURL = "bunt://memory"
	}
	s.KVPrefix = "flashnbd"

	var err error
	s.KV, err = kv.New(s.KVURL)
	s.Require().NoError(err)
	s.Context = flashnbd.NewContext(s.KV)

	s.Dir, err = os.MkdirTemp("", "flashnbd-test-")
	s.Require().NoError(err)
	s.Host = NewHost(s.Dir)
	s.Require().NoError(s.Host.Init())

	s.Allocator = s.Context.NewAllocator(s.Host.Scanner)
	s.Allocator.DevicePrefix = filepath.Join(s.Host.Paths.Dev, "nbd")

	s.Manager = s.Context.NewManager(HostName, s.Allocator, s.Host.Runner, s.Host.Scanner, progress.Discard())
	s.Manager.Paths = s.Host.Paths
	s.Manager.Tunables = s.Host.Tunables
}

// TearDownTest closes the store and removes the fake host.
func (s *Suite) TearDownTest() {
	s.NoError(s.Context.Close())
	_ = os.RemoveAll(s.Dir)
}

// PrefixKey generates an kv key using the set prefix
func (s *Suite) PrefixKey(key string) string {
	return filepath.Join(s.KVPrefix, key)
}

// NewInstance creates and saves an instance placed on the local host, along
// with its image file.
func (s *Suite) NewInstance(name string) *flashnbd.Instance {
	i := s.Context.NewInstance(name)
	i.Node = HostName
	i.FSRoot = filepath.Join(s.Dir, "fs")
	i.VolumeGroup = "vg0"
	i.CacheSizeGB = 10
	i.Hosts = []string{HostName, "h2"}
	s.Require().NoError(os.MkdirAll(i.FSRoot, 0755))
	s.Require().NoError(os.WriteFile(i.ImagePath(), nil, 0644))
	s.Require().NoError(i.Save())
	return i
}

// StartInstance creates an instance and starts it on the local host.
func (s *Suite) StartInstance(name string) *flashnbd.Instance {
	i := s.NewInstance(name)
	s.Require().NoError(s.Manager.Start(context.Background(), i))
	return i
}
