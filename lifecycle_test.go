package flashnbd_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/internal/tests/common"
	"github.com/stretchr/testify/suite"
)

type LifecycleTestSuite struct {
	common.Suite
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}

func (s *LifecycleTestSuite) path(parts ...string) string {
	return filepath.Join(append([]string{s.Dir}, parts...)...)
}

func (s *LifecycleTestSuite) TestStartNewCache() {
	i := s.NewInstance("web1")

	s.NoError(s.Manager.Start(bg, i))
	s.True(s.Manager.Running(i))
	s.Equal(flashnbd.StateRunning, s.Manager.State(i))

	nbd0 := s.path("dev", "nbd0")
	ssd := s.path("dev", "vg0", "web1")
	s.Equal([]string{
		"qemu-nbd -c " + nbd0 + " " + i.ImagePath(),
		"lvcreate -L10G -nweb1 vg0",
		"flashcache_create -p back -s10g web1 " + ssd + " " + nbd0,
		"blockdev --setra 8192 " + s.path("dev", "mapper", "web1"),
	}, s.Host.Runner.Calls())

	s.Equal([]common.TunableWrite{
		{Name: "web1", Device: 0, Param: flashnbd.ParamReclaimPolicy, Value: 1},
		{Name: "web1", Device: 0, Param: flashnbd.ParamFallowDelay, Value: 300},
	}, s.Host.Tunables.Writes())

	d, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.NoError(err)
	s.Equal(0, d.Device)
	s.Equal(ssd, d.SSDPath)

	p, err := s.Context.Process(common.HostName, "web1", "nbd0")
	s.NoError(err, "attachment process should be registered")
	s.Equal(4242, p.PID)
}

func (s *LifecycleTestSuite) TestStartPreconditions() {
	running := s.StartInstance("web1")
	noImage := s.NewInstance("web2")
	s.Require().NoError(os.Remove(noImage.ImagePath()))
	disabled := s.NewInstance("web3")
	disabled.Disabled = true
	elsewhere := s.NewInstance("web4")
	elsewhere.Hosts = []string{"h2", "h3"}
	s.Host.Runner.Reset()

	before, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.Require().NoError(err)

	tests := []struct {
		description string
		instance    *flashnbd.Instance
		expectedErr error
	}{
		{"already running", running, flashnbd.ErrAlreadyRunning},
		{"missing image", noImage, flashnbd.ErrImageMissing},
		{"disabled", disabled, flashnbd.ErrDisabled},
		{"not served here", elsewhere, flashnbd.ErrNotServed},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		err := s.Manager.Start(bg, test.instance)
		s.True(errors.Is(err, test.expectedErr), msg("unexpected error %v", err))
	}
	s.Empty(s.Host.Runner.Calls(), "no command should run")

	after, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.NoError(err)
	s.Equal(before, after, "binding should be unchanged")
	_, err = s.Context.DeviceAllocation(common.HostName, "web2")
	s.True(s.Context.IsKeyNotFound(err), "failed start should not bind")
}

func (s *LifecycleTestSuite) TestStartStopStartReusesCache() {
	i := s.StartInstance("web1")
	first, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.Require().NoError(err)

	s.NoError(s.Manager.Stop(bg, i))
	s.False(s.Manager.Running(i))
	s.Host.Runner.Reset()

	s.NoError(s.Manager.Start(bg, i))
	second, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.NoError(err)
	s.Equal(first.Device, second.Device)
	s.Equal(first.SSDPath, second.SSDPath)

	s.Empty(s.Host.Runner.Ran("lvcreate"), "existing volume must not be provisioned again")
	s.Empty(s.Host.Runner.Ran("flashcache_create"))
	s.Equal([]string{"flashcache_load " + first.SSDPath + " web1"}, s.Host.Runner.Ran("flashcache_load"))
}

func (s *LifecycleTestSuite) TestTwoInstancesGetDistinctDevices() {
	s.StartInstance("web1")
	s.StartInstance("web2")

	d1, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.NoError(err)
	d2, err := s.Context.DeviceAllocation(common.HostName, "web2")
	s.NoError(err)
	s.NotEqual(d1.Device, d2.Device)
}

func (s *LifecycleTestSuite) TestStartToolFailure() {
	i := s.NewInstance("web1")
	s.Host.Fail["lvcreate"] = 5

	err := s.Manager.Start(bg, i)
	var te *flashnbd.ToolError
	s.Require().True(errors.As(err, &te))
	s.Equal("lvm", te.Step)
	s.Empty(s.Host.Runner.Ran("flashcache_create"), "later steps should not run")
	s.Empty(s.Host.Runner.Ran("qemu-nbd")[1:], "attachment should not be undone")
}

func (s *LifecycleTestSuite) TestStartReadAheadFailureIsWarning() {
	i := s.NewInstance("web1")
	s.Host.Fail["blockdev"] = 1

	s.NoError(s.Manager.Start(bg, i))
	s.True(s.Manager.Running(i))
}

func (s *LifecycleTestSuite) TestStop() {
	stopped := s.NewInstance("web1")
	s.NoError(s.Manager.Stop(bg, stopped), "stopping a stopped instance is a no-op")
	s.Empty(s.Host.Runner.Calls())

	unbound := s.NewInstance("web2")
	s.Require().NoError(common.Touch(s.Manager.MapperPath(unbound)))
	s.NoError(s.Manager.Stop(bg, unbound), "stopping an unknown instance is a no-op")
	s.Empty(s.Host.Runner.Calls())

	i := s.StartInstance("web3")
	s.Host.Runner.Reset()
	s.NoError(s.Manager.Stop(bg, i))
	s.Equal([]string{
		"dmsetup remove web3",
		"qemu-nbd -d " + s.path("dev", "nbd0"),
	}, s.Host.Runner.Calls())

	_, err := s.Context.Process(common.HostName, "web3", "nbd0")
	s.True(s.Context.IsKeyNotFound(err), "attachment process should be unregistered")
	_, err = s.Context.DeviceAllocation(common.HostName, "web3")
	s.NoError(err, "binding survives stop")
}

func (s *LifecycleTestSuite) TestStopUnregistersEveryProcess() {
	i := s.StartInstance("web1")
	_, err := s.Context.RegisterProcess(common.HostName, "web1", "", 42, "nbd-server")
	s.Require().NoError(err)
	_, err = s.Context.RegisterProcess(common.HostName, "web10", "nbd5", 43, "qemu-nbd")
	s.Require().NoError(err)

	s.NoError(s.Manager.Stop(bg, i))
	procs, err := s.Context.Processes(common.HostName, "web1")
	s.NoError(err)
	s.Empty(procs)
	_, err = s.Context.Process(common.HostName, "web10", "nbd5")
	s.NoError(err, "other instances keep their registrations")
}

func (s *LifecycleTestSuite) TestStopDetachesDespiteMapperFailure() {
	i := s.StartInstance("web1")
	s.Host.Runner.Reset()
	s.Host.Fail["dmsetup remove"] = 1
	s.Host.Fail["qemu-nbd"] = 1

	err := s.Manager.Stop(bg, i)
	s.Error(err)
	merr, ok := err.(*multierror.Error)
	s.Require().True(ok, "errors should be aggregated")
	s.Len(merr.Errors, 2)
	s.Len(s.Host.Runner.Ran("qemu-nbd"), 1, "nbd detach should be attempted")
}

func (s *LifecycleTestSuite) TestRemoveNeverStarted() {
	i := s.NewInstance("web1")

	s.Equal(flashnbd.ErrNotRunning, s.Manager.Remove(bg, i))
	s.Empty(s.Host.Runner.Calls(), "no destructive action")
	s.Empty(s.Host.Tunables.Writes())
}

func (s *LifecycleTestSuite) TestRemove() {
	i := s.StartInstance("web1")
	ssd := s.path("dev", "vg0", "web1")
	s.Host.Runner.Reset()

	s.NoError(s.Manager.Remove(bg, i))
	s.Equal([]string{
		"dmsetup remove web1",
		"qemu-nbd -d " + s.path("dev", "nbd0"),
		"lvremove -f " + ssd,
	}, s.Host.Runner.Calls())
	writes := s.Host.Tunables.Writes()
	s.Equal(flashnbd.ParamDoSync, writes[len(writes)-1].Param, "cache flushed before teardown")

	_, err := os.Stat(ssd)
	s.True(os.IsNotExist(err))
	_, err = s.Context.DeviceAllocation(common.HostName, "web1")
	s.True(s.Context.IsKeyNotFound(err), "binding should be released")
}

func (s *LifecycleTestSuite) TestRemoveKeepsVolumeWhenMapperStays() {
	i := s.StartInstance("web1")
	s.Host.Runner.Reset()
	s.Host.Fail["dmsetup remove"] = 1

	s.Error(s.Manager.Remove(bg, i))
	s.Empty(s.Host.Runner.Ran("lvremove"))
	_, err := s.Context.DeviceAllocation(common.HostName, "web1")
	s.NoError(err)
}

func (s *LifecycleTestSuite) TestTune() {
	i := s.StartInstance("web1")
	stopped := s.NewInstance("web2")

	tests := []struct {
		description string
		op          func(*flashnbd.Instance) error
		expected    []common.TunableWrite
	}{
		{"sync", s.Manager.Sync, []common.TunableWrite{
			{Name: "web1", Device: 0, Param: flashnbd.ParamFallowDelay, Value: 300},
			{Name: "web1", Device: 0, Param: flashnbd.ParamDoSync, Value: 1},
		}},
		{"nosync", s.Manager.NoSync, []common.TunableWrite{
			{Name: "web1", Device: 0, Param: flashnbd.ParamDoSync, Value: 1},
			{Name: "web1", Device: 0, Param: flashnbd.ParamFallowDelay, Value: 0},
		}},
		{"cacheon", s.Manager.CacheOn, []common.TunableWrite{
			{Name: "web1", Device: 0, Param: flashnbd.ParamCacheAll, Value: 1},
			{Name: "web1", Device: 0, Param: flashnbd.ParamDoSync, Value: 1},
			{Name: "web1", Device: 0, Param: flashnbd.ParamReclaimPolicy, Value: 1},
		}},
		{"cacheoff", s.Manager.CacheOff, []common.TunableWrite{
			{Name: "web1", Device: 0, Param: flashnbd.ParamCacheAll, Value: 0},
			{Name: "web1", Device: 0, Param: flashnbd.ParamDoSync, Value: 1},
			{Name: "web1", Device: 0, Param: flashnbd.ParamReclaimPolicy, Value: 1},
		}},
		{"clearstats", s.Manager.ClearStats, []common.TunableWrite{
			{Name: "web1", Device: 0, Param: flashnbd.ParamZeroStats, Value: 1},
		}},
	}

	for _, test := range tests {
		msg := testMsgFunc(test.description)
		before := len(s.Host.Tunables.Writes())
		s.NoError(test.op(i), msg("should succeed"))
		s.Equal(test.expected, s.Host.Tunables.Writes()[before:], msg("unexpected writes"))

		s.Equal(flashnbd.ErrNotRunning, test.op(stopped), msg("stopped instance should fail"))
	}
}

func (s *LifecycleTestSuite) TestSetParam() {
	i := s.StartInstance("web1")
	s.NoError(s.Manager.SetParam(i, flashnbd.ParamFallowDelay, 60))
	writes := s.Host.Tunables.Writes()
	s.Equal(common.TunableWrite{Name: "web1", Device: 0, Param: flashnbd.ParamFallowDelay, Value: 60}, writes[len(writes)-1])

	s.Equal(flashnbd.ErrNoBinding, s.Manager.SetParam(s.NewInstance("web2"), flashnbd.ParamDoSync, 1))
}

func (s *LifecycleTestSuite) TestStats() {
	i := s.StartInstance("web1")
	s.Host.Dirty = []uint64{7}

	stats, err := s.Manager.Stats(bg, i)
	s.NoError(err)
	s.Equal("nbd0", stats.Device)
	s.EqualValues(7, stats.Status.DirtyBlocks)
	s.True(stats.Attached)
	s.Empty(stats.Counters)

	s.Host.Scanner.Dead[4242] = true
	stats, err = s.Manager.Stats(bg, i)
	s.NoError(err)
	s.False(stats.Attached, "stale attachment is not an error")

	_, err = s.Manager.Stats(bg, s.NewInstance("web2"))
	s.Equal(flashnbd.ErrNotRunning, err)
}
