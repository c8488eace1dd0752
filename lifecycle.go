package flashnbd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State is the attachment state of an instance on a host.
type State int

// Instance states
const (
	StateStopped State = iota
	StateAttaching
	StateCacheBinding
	StateRunning
	StateDetaching
	StateRemoved
)

var states = map[State]string{
	StateStopped:      "stopped",
	StateAttaching:    "attaching",
	StateCacheBinding: "cache-binding",
	StateRunning:      "running",
	StateDetaching:    "detaching",
	StateRemoved:      "removed",
}

func (s State) String() string {
	return states[s]
}

// Reporter receives the progress of an operation, one line per step.
type Reporter interface {
	Begin(text, subject string)
	Middle(text string, ok bool)
	End(text string, ok bool)
}

// ProcessScanner answers which processes hold a device and whether a pid is
// alive.
type ProcessScanner interface {
	PIDChecker
	Holders(path string) ([]int, error)
}

// ToolError is the failure of an external command during a lifecycle step.
type ToolError struct {
	Step string
	Err  error
}

func (e *ToolError) Error() string {
	return e.Step + ": " + e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Paths locates the host interfaces the Manager works through.
type Paths struct {
	Dev    string
	Mapper string
	Stats  string
}

// DefaultPaths are the standard locations.
var DefaultPaths = Paths{
	Dev:    "/dev",
	Mapper: "/dev/mapper",
	Stats:  DefaultStatsRoot,
}

// Manager attaches, caches, detaches and tunes instances on one host.
type Manager struct {
	context   *Context
	Host      string
	Allocator *Allocator
	Runner    runner.Runner
	Tunables  Tunables
	Scanner   ProcessScanner
	Progress  Reporter
	Paths     Paths
	// FallowDelay is the idle time in seconds before the cache flushes.
	FallowDelay int
	// ReadAhead is the read-ahead of the mapper device, in sectors.
	ReadAhead int
}

// NewManager returns a Manager for host using the standard host paths.
func (c *Context) NewManager(host string, a *Allocator, r runner.Runner, s ProcessScanner, p Reporter) *Manager {
	return &Manager{
		context:     c,
		Host:        host,
		Allocator:   a,
		Runner:      r,
		Tunables:    Sysctl{Root: DefaultSysctlRoot},
		Scanner:     s,
		Progress:    p,
		Paths:       DefaultPaths,
		FallowDelay: 300,
		ReadAhead:   8192,
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (m *Manager) logger(inst *Instance) *log.Entry {
	return log.WithFields(log.Fields{
		"host":     m.Host,
		"instance": inst.Name,
	})
}

func (m *Manager) transition(inst *Instance, s State) {
	m.logger(inst).WithField("state", s).Debug("state change")
}

// MapperPath is the device mapper node of the instance.
func (m *Manager) MapperPath(inst *Instance) string {
	return filepath.Join(m.Paths.Mapper, inst.Name)
}

// Running reports whether the instance is attached on this host.
func (m *Manager) Running(inst *Instance) bool {
	return exists(m.MapperPath(inst))
}

// State is the coarse state of the instance on this host.
func (m *Manager) State(inst *Instance) State {
	if m.Running(inst) {
		return StateRunning
	}
	return StateStopped
}

func (m *Manager) run(ctx context.Context, step, name string, args ...string) error {
	if _, err := runner.Check(ctx, m.Runner, name, args...); err != nil {
		return &ToolError{Step: step, Err: err}
	}
	return nil
}

func (m *Manager) binding(inst *Instance) (*DeviceAllocation, error) {
	d, err := m.context.DeviceAllocation(m.Host, inst.Name)
	if err != nil {
		if m.context.IsKeyNotFound(err) {
			return nil, ErrNoBinding
		}
		return nil, err
	}
	return d, nil
}

// Start attaches the image of inst to an nbd device and puts a write-back
// cache in front of it. Failed steps are not undone.
func (m *Manager) Start(ctx context.Context, inst *Instance) error {
	m.Progress.Begin("Starting", inst.Name)

	if m.Running(inst) {
		m.Progress.End("already started", false)
		return ErrAlreadyRunning
	}
	if inst.Disabled {
		m.Progress.End("disabled", false)
		return ErrDisabled
	}
	if !inst.ServedBy(m.Host) {
		m.Progress.End("not served here", false)
		return ErrNotServed
	}
	img := inst.ImagePath()
	if !exists(img) {
		m.Progress.End("missing "+img, false)
		return errors.Wrap(ErrImageMissing, img)
	}

	m.transition(inst, StateAttaching)
	d, created, err := m.Allocator.Bind(m.Host, inst.Name, inst.SSDPath(m.Paths.Dev))
	if err != nil {
		m.Progress.End("no device", false)
		return err
	}
	if created {
		m.Progress.Middle("new cache", true)
	} else {
		m.Progress.Middle("old cache", true)
	}

	dev := d.DevicePath(m.Paths.Dev)
	if err := m.run(ctx, "attach", "qemu-nbd", "-c", dev, img); err != nil {
		m.Progress.End(d.DeviceName(), false)
		return err
	}
	m.Progress.Middle(d.DeviceName(), true)
	m.registerAttachment(inst, d)

	m.transition(inst, StateCacheBinding)
	if exists(d.SSDPath) {
		if err := m.run(ctx, "load", "flashcache_load", d.SSDPath, inst.Name); err != nil {
			m.Progress.End("load", false)
			return err
		}
		m.Progress.Middle("load", true)
	} else {
		size := strconv.FormatUint(inst.CacheSizeGB, 10)
		if err := m.run(ctx, "lvm", "lvcreate", "-L"+size+"G", "-n"+inst.Name, inst.VolumeGroup); err != nil {
			m.Progress.End("lvm", false)
			return err
		}
		m.Progress.Middle("lvm", true)
		if err := m.run(ctx, "create", "flashcache_create", "-p", "back", "-s"+size+"g", inst.Name, d.SSDPath, dev); err != nil {
			m.Progress.End("create", false)
			return err
		}
		m.Progress.Middle("create", true)
	}

	ra := strconv.Itoa(m.ReadAhead)
	if err := m.run(ctx, "readahead", "blockdev", "--setra", ra, m.MapperPath(inst)); err != nil {
		m.logger(inst).WithField("error", err).Warn("failed to set read-ahead")
		m.Progress.Middle("ReadAhead::"+ra, false)
	} else {
		m.Progress.Middle("ReadAhead::"+ra, true)
	}

	if err := m.set(inst, d, ParamReclaimPolicy, 1); err != nil {
		m.Progress.End(ParamReclaimPolicy, false)
		return err
	}
	if err := m.set(inst, d, ParamFallowDelay, m.FallowDelay); err != nil {
		m.Progress.End(ParamFallowDelay, false)
		return err
	}

	m.transition(inst, StateRunning)
	m.Progress.End("Ok", true)
	return nil
}

// registerAttachment records the qemu-nbd process serving the device. It is
// bookkeeping only, failures are logged.
func (m *Manager) registerAttachment(inst *Instance, d *DeviceAllocation) {
	if m.Scanner == nil {
		return
	}
	pids, err := m.Scanner.Holders(d.DevicePath(m.Paths.Dev))
	if err != nil || len(pids) == 0 {
		m.logger(inst).WithField("error", err).Warn("attachment process not found")
		return
	}
	if _, err := m.context.RegisterProcess(m.Host, inst.Name, d.DeviceName(), pids[0], "qemu-nbd"); err != nil {
		m.logger(inst).WithFields(log.Fields{
			"error": err,
			"func":  "RegisterProcess",
		}).Warn("failed to register attachment process")
	}
}

// unregisterAttachments drops every process registration of inst on this
// host, the per device ones included.
func (m *Manager) unregisterAttachments(inst *Instance) {
	procs, err := m.context.Processes(m.Host, inst.Name)
	if err != nil {
		if !m.context.IsKeyNotFound(err) {
			m.logger(inst).WithField("error", err).Warn("failed to list attachment processes")
		}
		return
	}
	for _, p := range procs {
		if err := m.context.UnregisterProcess(p.Host, p.Name, p.Device); err != nil {
			m.logger(inst).WithFields(log.Fields{
				"error":  err,
				"device": p.Device,
			}).Warn("failed to unregister attachment process")
		}
	}
}

// Stop removes the device mapper entry of inst and detaches its nbd device.
// The device is detached even if the mapper removal fails.
func (m *Manager) Stop(ctx context.Context, inst *Instance) error {
	m.Progress.Begin("Stopping", inst.Name)

	if !m.Running(inst) {
		m.logger(inst).Warn("stop of a stopped instance")
		m.Progress.End("already stopped", false)
		return nil
	}
	d, err := m.binding(inst)
	if err != nil {
		if err == ErrNoBinding {
			m.logger(inst).Warn("stop of an instance without device binding")
			m.Progress.End("unknown instance", false)
			return nil
		}
		m.Progress.End("Fail", false)
		return err
	}

	if err := m.detach(ctx, inst, d); err != nil {
		m.Progress.End("Fail", false)
		return err
	}
	m.Progress.End("Ok", true)
	return nil
}

func (m *Manager) detach(ctx context.Context, inst *Instance, d *DeviceAllocation) error {
	m.transition(inst, StateDetaching)

	var result *multierror.Error
	if err := m.run(ctx, "dmsetup", "dmsetup", "remove", inst.Name); err != nil {
		m.Progress.Middle("dmsetup failed", false)
		result = multierror.Append(result, err)
	} else {
		m.Progress.Middle("dm stopped", true)
	}

	if err := m.run(ctx, "detach", "qemu-nbd", "-d", d.DevicePath(m.Paths.Dev)); err != nil {
		m.Progress.Middle(d.DeviceName(), false)
		result = multierror.Append(result, err)
	} else {
		m.Progress.Middle(d.DeviceName(), true)
	}

	m.unregisterAttachments(inst)

	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	m.transition(inst, StateStopped)
	return nil
}

// Remove flushes and stops inst, then destroys its cache volume and releases
// its device binding. It refuses to touch an instance that is not running.
func (m *Manager) Remove(ctx context.Context, inst *Instance) error {
	m.Progress.Begin("Removing", inst.Name)

	if !m.Running(inst) {
		m.Progress.End("not running", false)
		return ErrNotRunning
	}
	d, err := m.binding(inst)
	if err != nil {
		m.Progress.End("unknown instance", false)
		return err
	}

	if err := m.set(inst, d, ParamDoSync, 1); err != nil {
		m.Progress.End(ParamDoSync, false)
		return err
	}
	m.Progress.Middle("sync", true)

	if err := m.detach(ctx, inst, d); err != nil && m.Running(inst) {
		m.Progress.End("Fail", false)
		return err
	}

	if err := m.run(ctx, "lvm", "lvremove", "-f", d.SSDPath); err != nil {
		m.Progress.End("lvremove", false)
		return err
	}
	m.Progress.Middle("lvremove", true)

	if err := m.Allocator.Release(m.Host, inst.Name); err != nil {
		m.Progress.End("release", false)
		return err
	}

	m.transition(inst, StateRemoved)
	m.Progress.End("Ok", true)
	return nil
}

func (m *Manager) set(inst *Instance, d *DeviceAllocation, param string, value int) error {
	ok, err := m.Tunables.Set(inst.Name, d.Device, param, value)
	if err != nil {
		return &ToolError{Step: param, Err: err}
	}
	if !ok {
		m.logger(inst).WithField("param", param).Debug("no such tunable")
	}
	return nil
}

// SetParam writes one tunable of the running cache of inst. A cache
// without the control is left alone.
func (m *Manager) SetParam(inst *Instance, param string, value int) error {
	d, err := m.binding(inst)
	if err != nil {
		return err
	}
	return m.set(inst, d, param, value)
}

type setting struct {
	param string
	value int
}

func (m *Manager) tune(inst *Instance, verb string, settings ...setting) error {
	m.Progress.Begin(verb, inst.Name)

	if !m.Running(inst) {
		m.Progress.End("not running", false)
		return ErrNotRunning
	}
	d, err := m.binding(inst)
	if err != nil {
		m.Progress.End("unknown instance", false)
		return err
	}

	for _, s := range settings {
		if err := m.set(inst, d, s.param, s.value); err != nil {
			m.Progress.End(s.param, false)
			return err
		}
	}
	m.Progress.End("Ok", true)
	return nil
}

// Sync restores the idle flush delay and flushes now.
func (m *Manager) Sync(inst *Instance) error {
	return m.tune(inst, "Syncing",
		setting{ParamFallowDelay, m.FallowDelay},
		setting{ParamDoSync, 1})
}

// NoSync flushes now and disables idle flushing.
func (m *Manager) NoSync(inst *Instance) error {
	return m.tune(inst, "Unsyncing",
		setting{ParamDoSync, 1},
		setting{ParamFallowDelay, 0})
}

// CacheOn turns caching of all writes back on.
func (m *Manager) CacheOn(inst *Instance) error {
	return m.cacheAll(inst, "Enabling cache", 1)
}

// CacheOff stops caching new writes and flushes.
func (m *Manager) CacheOff(inst *Instance) error {
	return m.cacheAll(inst, "Disabling cache", 0)
}

func (m *Manager) cacheAll(inst *Instance, verb string, v int) error {
	return m.tune(inst, verb,
		setting{ParamCacheAll, v},
		setting{ParamDoSync, 1},
		setting{ParamReclaimPolicy, 1})
}

// ClearStats zeroes the cache counters.
func (m *Manager) ClearStats(inst *Instance) error {
	return m.tune(inst, "Clearing stats", setting{ParamZeroStats, 1})
}

// Status reads the device mapper table of the cache of inst.
func (m *Manager) Status(ctx context.Context, inst *Instance) (*CacheStatus, error) {
	res, err := runner.Check(ctx, m.Runner, "dmsetup", "table", inst.Name)
	if err != nil {
		return nil, &ToolError{Step: "dmsetup", Err: err}
	}
	return ParseCacheStatus(res.Output)
}

// InstanceStats is the cache state of a running instance.
type InstanceStats struct {
	Name     string
	Device   string
	SSDPath  string
	Status   *CacheStatus
	Counters map[string]uint64
	// Attached reports whether the registered attachment process is alive.
	Attached bool
}

// Stats collects the cache state of a running instance.
func (m *Manager) Stats(ctx context.Context, inst *Instance) (*InstanceStats, error) {
	if !m.Running(inst) {
		return nil, ErrNotRunning
	}
	d, err := m.binding(inst)
	if err != nil {
		return nil, err
	}

	status, err := m.Status(ctx, inst)
	if err != nil {
		return nil, err
	}
	stats := &InstanceStats{
		Name:    inst.Name,
		Device:  d.DeviceName(),
		SSDPath: d.SSDPath,
		Status:  status,
	}

	stats.Counters, err = ReadCacheCounters(m.Paths.Stats, inst.Name, d.Device)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if m.Scanner != nil {
		stats.Attached, err = m.context.ProcessRunning(m.Host, inst.Name, d.DeviceName(), m.Scanner)
		if err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func (s *InstanceStats) String() string {
	return fmt.Sprintf("%s %s dirty=%d/%d", s.Name, s.Device, s.Status.DirtyBlocks, s.Status.TotalBlocks)
}
