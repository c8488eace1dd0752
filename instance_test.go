package flashnbd_test

import (
	"testing"

	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/internal/tests/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type InstanceTestSuite struct {
	common.Suite
}

func TestInstanceTestSuite(t *testing.T) {
	suite.Run(t, new(InstanceTestSuite))
}

func (s *InstanceTestSuite) TestInstance() {
	instance := s.NewInstance("web1")

	tests := []struct {
		description string
		name        string
		expectedErr bool
	}{
		{"missing name", "", true},
		{"nonexistant name", "web2", true},
		{"real name", instance.Name, false},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		i, err := s.Context.Instance(test.name)
		if test.expectedErr {
			s.Error(err, msg("lookup should fail"))
			s.Nil(i, msg("failure shouldn't return an instance"))
		} else {
			s.NoError(err, msg("lookup should succeed"))
			s.Equal(instance.FSRoot, i.FSRoot, msg("success should return correct data"))
			s.Equal(instance.Hosts, i.Hosts, msg("success should return correct data"))
		}
	}
}

func (s *InstanceTestSuite) TestRefresh() {
	instance := s.NewInstance("web1")
	instanceCopy := &flashnbd.Instance{}
	*instanceCopy = *instance
	instance.CacheSizeGB = 20

	s.NoError(instance.Save())
	s.NoError(instanceCopy.Refresh(), "refresh existing should succeed")
	s.True(assert.ObjectsAreEqual(instance, instanceCopy), "refresh should pull new data")

	newInstance := s.Context.NewInstance("web2")
	s.Error(newInstance.Refresh(), "unsaved instance refresh should fail")
}

func (s *InstanceTestSuite) TestValidate() {
	valid := func() *flashnbd.Instance {
		return &flashnbd.Instance{
			Name:        "web1",
			Node:        "h1",
			FSRoot:      "/gluster",
			VolumeGroup: "vg0",
			CacheSizeGB: 10,
		}
	}

	missingNode := valid()
	missingNode.Node = ""
	slashed := valid()
	slashed.Name = "web/1"
	noCache := valid()
	noCache.CacheSizeGB = 0
	badType := valid()
	badType.Type = "striped"
	lonely := valid()
	lonely.Type = "replicated"
	lonely.Hosts = []string{"h1"}
	replicated := valid()
	replicated.Type = "replicated"
	replicated.Hosts = []string{"h1", "h2"}
	blankHost := valid()
	blankHost.Hosts = []string{"h1", ""}

	tests := []struct {
		description string
		instance    *flashnbd.Instance
		expectedErr bool
	}{
		{"empty", &flashnbd.Instance{}, true},
		{"missing node", missingNode, true},
		{"name with slash", slashed, true},
		{"no cache size", noCache, true},
		{"unknown type", badType, true},
		{"valid", valid(), false},
		{"replicated on one host", lonely, true},
		{"replicated", replicated, false},
		{"blank host", blankHost, true},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		err := test.instance.Validate()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
}

func (s *InstanceTestSuite) TestServedBy() {
	anywhere := &flashnbd.Instance{Name: "web1"}
	pinned := &flashnbd.Instance{Name: "web2", Hosts: []string{"h1", "h2"}}

	tests := []struct {
		description string
		instance    *flashnbd.Instance
		host        string
		expected    bool
	}{
		{"no hosts", anywhere, "h9", true},
		{"listed host", pinned, "h2", true},
		{"listed host with port", pinned, "h2:22", true},
		{"unlisted host", pinned, "h3", false},
		{"bad host", pinned, "[h2", false},
	}
	for _, test := range tests {
		s.Equal(test.expected, test.instance.ServedBy(test.host), test.description)
	}
}

func (s *InstanceTestSuite) TestSave() {
	goodInstance := s.Context.NewInstance("web1")
	goodInstance.Node = common.HostName
	goodInstance.FSRoot = "/gluster"
	goodInstance.VolumeGroup = "vg0"
	goodInstance.CacheSizeGB = 10

	clobberInstance := &flashnbd.Instance{}
	*clobberInstance = *goodInstance
	clobberInstance.CacheSizeGB = 20

	tests := []struct {
		description string
		instance    *flashnbd.Instance
		expectedErr bool
	}{
		{"invalid instance", s.Context.NewInstance("web2"), true},
		{"valid instance", goodInstance, false},
		{"existing instance", goodInstance, false},
		{"existing instance clobber changes", clobberInstance, true},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		err := test.instance.Save()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
	s.False(goodInstance.CreatedAt.IsZero())
	s.False(goodInstance.ModifiedAt.Before(goodInstance.CreatedAt))
}

func (s *InstanceTestSuite) TestDelete() {
	instance := s.NewInstance("web1")
	stale := &flashnbd.Instance{}
	*stale = *instance
	s.NoError(instance.Save())

	s.Error(stale.Delete(), "stale instance delete should fail")
	s.NoError(instance.Delete())
	_, err := s.Context.Instance("web1")
	s.True(s.Context.IsKeyNotFound(err))
}

func (s *InstanceTestSuite) TestInstances() {
	s.NewInstance("web2")
	s.NewInstance("web1")
	other := s.NewInstance("db1")
	s.Require().NoError(other.SetNode("h2"))

	all, err := s.Context.Instances("")
	s.NoError(err)
	s.Len(all, 3)
	s.Equal("db1", all[0].Name)

	local, err := s.Context.Instances(common.HostName)
	s.NoError(err)
	s.Len(local, 2)
	s.Equal("web1", local[0].Name)
	s.Equal("web2", local[1].Name)
}

func (s *InstanceTestSuite) TestSetNode() {
	instance := s.NewInstance("web1")
	s.NoError(instance.SetNode("h2"))

	i, err := s.Context.Instance("web1")
	s.NoError(err)
	s.Equal("h2", i.Node)
	s.Equal("web1@h2", i.String())
}

func (s *InstanceTestSuite) TestPaths() {
	i := &flashnbd.Instance{Name: "web1", FSRoot: "gluster", VolumeGroup: "vg0"}
	s.Equal("/gluster/web1.img", i.ImagePath())
	s.Equal("/dev/vg0/web1", i.SSDPath("/dev"))

	i.CacheSSDPath = "/dev/ssd/web1"
	s.Equal("/dev/ssd/web1", i.SSDPath("/dev"))
}
