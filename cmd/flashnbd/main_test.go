package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/internal/tests/common"
	"github.com/mistifyio/flashnbd/pkg/deferer"
	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var bg = context.Background()

func opNamed(use string) instanceOp {
	for _, op := range instanceOps {
		if op.use == use {
			return op
		}
	}
	panic("no op " + use)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		description string
		err         error
		expected    int
	}{
		{"plain failure", errors.New("boom"), 1},
		{"exhausted", flashnbd.ErrNoFreeDevice, flashnbd.ExitNoFreeDevice},
		{"wrapped exhaustion", fmt.Errorf("start web1: %w", flashnbd.ErrNoFreeDevice), flashnbd.ExitNoFreeDevice},
		{"aggregated exhaustion", multierror.Append(errors.New("boom"), flashnbd.ErrNoFreeDevice), flashnbd.ExitNoFreeDevice},
		{"remote exhaustion", &flashnbd.PhaseError{
			Phase: flashnbd.PhaseBringUpDestinationMapper,
			Kind:  flashnbd.KindExhausted,
			Err:   errors.New("status 3"),
		}, flashnbd.ExitNoFreeDevice},
		{"refused", &flashnbd.PhaseError{
			Phase: flashnbd.PhaseConfirmSourceTeardown,
			Kind:  flashnbd.KindRefused,
			Err:   errors.New("declined"),
		}, 1},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, exitCode(test.err), test.description)
	}
}

func TestBareCommand(t *testing.T) {
	tests := []struct {
		description string
		args        []string
		usage       bool
	}{
		{"no command", []string{}, true},
		{"unknown command", []string{"frobnicate"}, false},
	}

	for _, test := range tests {
		buf := &bytes.Buffer{}
		cmd := newApp(deferer.New()).rootCmd()
		cmd.SetArgs(test.args)
		cmd.SetOut(buf)
		cmd.SetErr(buf)

		err := cmd.Execute()
		require.Error(t, err, test.description)
		assert.Equal(t, 1, exitCode(err), test.description)
		if test.usage {
			assert.Contains(t, buf.String(), "Usage:", test.description)
		}
	}
}

func TestOpenStore(t *testing.T) {
	store, err := openStore("bunt://memory")
	require.NoError(t, err)
	assert.NoError(t, store.Close())

	_, err = openStore("consul://127.0.0.1:1")
	assert.Error(t, err, "an unreachable store fails before any command runs")

	_, err = openStore("carrier-pigeon://coop")
	assert.Error(t, err)
}

func TestDialRemote(t *testing.T) {
	ssh := &runner.SSH{KeyFile: filepath.Join(t.TempDir(), "missing")}

	_, err := dialRemote("carrier-pigeon", time.Second, ssh)
	assert.Error(t, err)

	dial, err := dialRemote("ssh", time.Second, ssh)
	require.NoError(t, err)
	_, err = dial("h2")
	assert.Error(t, err, "the tunnel needs the ssh key")

	dial, err = dialRemote("tcp", time.Second, ssh)
	require.NoError(t, err)
	assert.NotNil(t, dial)
}

func TestMigrateOptions(t *testing.T) {
	tests := []struct {
		description string
		args        []string
		expectedErr bool
		check       func(flashnbd.MigrateOptions)
	}{
		{"defaults", nil, false, func(o flashnbd.MigrateOptions) {
			assert.Equal(t, flashnbd.DefaultMigrateOptions(), o)
		}},
		{"overrides", []string{
			"--remote-command", `sudo /usr/bin/flashnbd --kv 'consul://db 1'`,
			"--drain-timeout", "5m",
			"--confirm-teardown", "always",
			"--confirm-dest-mapper", "never",
		}, false, func(o flashnbd.MigrateOptions) {
			assert.Equal(t, []string{"sudo", "/usr/bin/flashnbd", "--kv", "consul://db 1"}, o.RemoteCommand)
			assert.Equal(t, 5*time.Minute, o.DrainTimeout)
			assert.Equal(t, flashnbd.ConfirmAlways, o.ConfirmTeardown)
			assert.Equal(t, flashnbd.ConfirmNever, o.ConfirmDestMapper)
			assert.Equal(t, flashnbd.ConfirmAlways, o.PingPongTeardown, "ping-pong policies are fixed")
		}},
		{"bad policy", []string{"--confirm-teardown", "maybe"}, true, nil},
		{"empty command", []string{"--remote-command", ""}, true, nil},
		{"unbalanced quote", []string{"--remote-command", "flashnbd 'oops"}, true, nil},
	}

	for _, test := range tests {
		a := newApp(deferer.New())
		cmd := a.migrateCmd()
		require.NoError(t, cmd.ParseFlags(test.args), test.description)
		require.NoError(t, a.bind(cmd), test.description)

		o, err := a.migrateOptions()
		if test.expectedErr {
			assert.Error(t, err, test.description)
			continue
		}
		require.NoError(t, err, test.description)
		test.check(o)
	}
}

func TestRunDaemon(t *testing.T) {
	require.NoError(t, os.Unsetenv("NOTIFY_SOCKET"))
	require.NoError(t, os.Unsetenv("WATCHDOG_USEC"))

	boom := errors.New("boom")
	tests := []struct {
		description string
		f           func(context.Context) error
		expected    error
	}{
		{"finished", func(context.Context) error { return nil }, nil},
		{"failed", func(context.Context) error { return boom }, boom},
		{"terminated", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, nil},
	}

	for _, test := range tests {
		ctx, cancel := context.WithCancel(bg)
		timer := time.AfterFunc(10*time.Millisecond, cancel)
		err := runDaemon(ctx, test.f)
		timer.Stop()
		cancel()
		assert.Equal(t, test.expected, err, test.description)
	}
}

func TestPrintStats(t *testing.T) {
	status, err := flashnbd.ParseCacheStatus([]byte(common.CacheTable("web1", 12)))
	require.NoError(t, err)

	buf := &bytes.Buffer{}
	require.NoError(t, printStats(buf, []*flashnbd.InstanceStats{{
		Name:     "web1",
		Device:   "nbd0",
		SSDPath:  "/dev/vg0/web1",
		Status:   status,
		Counters: map[string]uint64{"reads": 10, "writes": 20},
		Attached: true,
	}}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"NAME", "DEVICE", "SSD", "MODE", "CACHED", "DIRTY", "READS", "WRITES", "ATTACHED"}, strings.Fields(lines[0]))
	fields := strings.Fields(lines[1])
	assert.Equal(t, "web1", fields[0])
	assert.Equal(t, "nbd0", fields[1])
	assert.Equal(t, "12", fields[6])
	assert.Equal(t, "true", fields[len(fields)-1])
}

type AppTestSuite struct {
	common.Suite
	App *app
}

func TestAppTestSuite(t *testing.T) {
	suite.Run(t, new(AppTestSuite))
}

func (s *AppTestSuite) SetupTest() {
	s.Suite.SetupTest()
	s.App = newApp(deferer.New())
	s.App.host = common.HostName
	s.App.context = s.Context
	s.App.manager = s.Manager
	s.App.v.Set("config-dir", filepath.Join(s.Dir, "instances"))
}

func (s *AppTestSuite) names(list []*flashnbd.Instance) []string {
	names := make([]string, len(list))
	for i, inst := range list {
		names[i] = inst.Name
	}
	return names
}

func (s *AppTestSuite) TestInstances() {
	s.NewInstance("web2")
	s.NewInstance("web1")
	away := s.NewInstance("db1")
	s.Require().NoError(away.SetNode("h2"))

	list, err := s.App.instances(nil)
	s.NoError(err)
	s.Equal([]string{"web1", "web2"}, s.names(list), "only instances of this host")

	list, err = s.App.instances([]string{"db1"})
	s.NoError(err)
	s.Equal([]string{"db1"}, s.names(list), "named instances are taken as is")

	_, err = s.App.instances([]string{"nope"})
	s.Error(err)
}

func (s *AppTestSuite) TestInstancesFromConfigDir() {
	dir := s.App.v.GetString("config-dir")
	s.Require().NoError(os.MkdirAll(dir, 0755))
	def := "node: h1\nfs_root: /srv/fs\nvolume_group: vg1\ncache_size_gb: 20\n"
	s.Require().NoError(os.WriteFile(filepath.Join(dir, "db2.yaml"), []byte(def), 0644))
	s.NewInstance("web1")

	list, err := s.App.instances(nil)
	s.NoError(err)
	s.Equal([]string{"db2", "web1"}, s.names(list))
	s.Equal("vg1", list[0].VolumeGroup)
}

func (s *AppTestSuite) TestEachStart() {
	s.NewInstance("web1")
	s.NewInstance("web2")
	off := s.NewInstance("web3")
	off.Disabled = true
	s.Require().NoError(off.Save())
	start := opNamed("start")

	s.NoError(s.App.each(bg, start, nil))
	s.True(s.Host.MapperExists("web1"))
	s.True(s.Host.MapperExists("web2"))
	s.False(s.Host.MapperExists("web3"), "disabled instances are skipped")

	s.NoError(s.App.each(bg, start, nil), "starting the host again skips running instances")
	err := s.App.each(bg, start, []string{"web1"})
	s.True(errors.Is(err, flashnbd.ErrAlreadyRunning), "a named instance must not be running")
	err = s.App.each(bg, start, []string{"web3"})
	s.True(errors.Is(err, flashnbd.ErrDisabled), "a named disabled instance is an error")
}

func (s *AppTestSuite) TestEachTuneSkipsStopped() {
	s.StartInstance("web1")
	s.NewInstance("web2")
	cacheoff := opNamed("cacheoff")

	s.NoError(s.App.each(bg, cacheoff, nil))
	s.Equal(1, s.Host.Tunables.Count(flashnbd.ParamCacheAll))

	err := s.App.each(bg, cacheoff, []string{"web2"})
	s.True(errors.Is(err, flashnbd.ErrNotRunning))
}

func (s *AppTestSuite) TestEachExhaustion() {
	s.Allocator.MaxDevices = 1
	s.NewInstance("web1")
	s.NewInstance("web2")

	err := s.App.each(bg, opNamed("start"), nil)
	s.Error(err)
	s.Equal(flashnbd.ExitNoFreeDevice, exitCode(err))
	s.True(s.Host.MapperExists("web1"), "instances before exhaustion still start")
}
