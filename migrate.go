package flashnbd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/armon/go-metrics"
	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/mistifyio/flashnbd/pkg/virt"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

// Phase is one step of a migration session.
type Phase int

// Migration phases, in execution order
const (
	PhaseValidateSource Phase = iota
	PhaseValidateDestination
	PhaseDisableSourceCache
	PhaseCheckDestinationMapper
	PhaseReconcileDestinationMapper
	PhaseBringUpDestinationMapper
	PhaseDrainWait
	PhaseSettleDelay
	PhaseLiveMigrate
	PhaseConfirmSourceTeardown
	PhaseSourceTeardown
	PhaseEnableDestinationCache
	PhaseDone
)

var phases = []string{
	"validate-source",
	"validate-destination",
	"disable-source-cache",
	"check-destination-mapper",
	"reconcile-destination-mapper",
	"bring-up-destination-mapper",
	"drain-wait",
	"settle-delay",
	"live-migrate",
	"confirm-source-teardown",
	"source-teardown",
	"enable-destination-cache",
	"done",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phases) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phases[p]
}

// ConfirmPolicy decides a confirmation point without or with asking.
type ConfirmPolicy int

// Confirmation policies
const (
	ConfirmPrompt ConfirmPolicy = iota
	ConfirmAlways
	ConfirmNever
)

// ParseConfirmPolicy parses always, never or prompt.
func ParseConfirmPolicy(s string) (ConfirmPolicy, error) {
	switch s {
	case "prompt":
		return ConfirmPrompt, nil
	case "always":
		return ConfirmAlways, nil
	case "never":
		return ConfirmNever, nil
	}
	return ConfirmNever, fmt.Errorf("unknown confirm policy %q", s)
}

var confirmPolicies = []string{"prompt", "always", "never"}

func (c ConfirmPolicy) String() string {
	if c < 0 || int(c) >= len(confirmPolicies) {
		return fmt.Sprintf("ConfirmPolicy(%d)", int(c))
	}
	return confirmPolicies[c]
}

// Prompter asks the operator a yes/no question.
type Prompter interface {
	Confirm(question string) (bool, error)
}

// MigrateOptions tunes a migration session.
type MigrateOptions struct {
	// RemoteCommand is this tool's command line on the destination.
	RemoteCommand []string
	// PollInterval separates dirty block checks.
	PollInterval time.Duration
	// DrainTimeout bounds the wait for the source cache to drain.
	DrainTimeout time.Duration
	// SourceInterval separates checks for the instance to appear on the
	// source in ping-pong mode.
	SourceInterval time.Duration
	// SourceTimeout bounds the wait for the instance to appear.
	SourceTimeout time.Duration
	// SourceSettle is waited once the awaited instance appeared.
	SourceSettle time.Duration
	// SettleDelay is waited between drain completion and migration.
	SettleDelay time.Duration
	// ConfirmDestMapper and ConfirmTeardown apply to interactive sessions.
	ConfirmDestMapper ConfirmPolicy
	ConfirmTeardown   ConfirmPolicy
	// PingPongDestMapper and PingPongTeardown apply to ping-pong sessions.
	PingPongDestMapper ConfirmPolicy
	PingPongTeardown   ConfirmPolicy
}

// DefaultMigrateOptions returns the standard timings and policies.
func DefaultMigrateOptions() MigrateOptions {
	return MigrateOptions{
		RemoteCommand:      []string{"flashnbd"},
		PollInterval:       time.Second,
		DrainTimeout:       30 * time.Minute,
		SourceInterval:     40 * time.Second,
		SourceTimeout:      10 * time.Minute,
		SourceSettle:       10 * time.Second,
		SettleDelay:        10 * time.Second,
		ConfirmDestMapper:  ConfirmPrompt,
		ConfirmTeardown:    ConfirmPrompt,
		PingPongDestMapper: ConfirmNever,
		PingPongTeardown:   ConfirmAlways,
	}
}

// Session is the state of one migration attempt.
type Session struct {
	ID       string
	Instance string
	Source   string
	Dest     string
	PingPong bool
	Phase    Phase
	// Dirty is the last observed amount of dirty cache, in bytes.
	Dirty   uint64
	Polls   int
	Started time.Time
}

// Orchestrator moves running instances from the local host to another one:
// the destination brings up its own cache, the source cache is drained, then
// the hypervisor live migrates the domain. Failed sessions are not rolled
// back.
type Orchestrator struct {
	context  *Context
	Manager  *Manager
	Source   virt.Conn
	DialDest func(host string) (virt.Conn, error)
	Remote   func(host string) runner.Runner
	Progress Reporter
	Prompter Prompter
	Options  MigrateOptions
	// Sleep waits d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now is the clock deadlines are measured on.
	Now func() time.Time
}

// NewOrchestrator returns an Orchestrator migrating away from the host of m.
func (c *Context) NewOrchestrator(m *Manager, source virt.Conn, dial func(string) (virt.Conn, error), remote func(string) runner.Runner, p Prompter) *Orchestrator {
	return &Orchestrator{
		context:  c,
		Manager:  m,
		Source:   source,
		DialDest: dial,
		Remote:   remote,
		Progress: m.Progress,
		Prompter: p,
		Options:  DefaultMigrateOptions(),
		Sleep:    Sleep,
		Now:      time.Now,
	}
}

// Sleep waits d unless ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Migrate runs a migration session of inst to dest. In ping-pong mode an
// absent source instance is waited for and confirmations follow the
// ping-pong policies.
func (o *Orchestrator) Migrate(ctx context.Context, inst *Instance, dest string, pingPong bool) (*Session, error) {
	s := &Session{
		ID:       uuid.New(),
		Instance: inst.Name,
		Source:   o.Manager.Host,
		Dest:     dest,
		PingPong: pingPong,
		Started:  o.Now(),
	}
	logger := log.WithFields(log.Fields{
		"session":  s.ID,
		"instance": s.Instance,
		"source":   s.Source,
		"dest":     s.Dest,
	})
	logger.Info("migration started")

	remote := o.Remote(dest)
	var mapper bool
	steps := []struct {
		phase Phase
		run   func() error
	}{
		{PhaseValidateSource, func() error { return o.validateSource(ctx, s, inst) }},
		{PhaseValidateDestination, func() error { return o.validateDestination(s, inst) }},
		{PhaseDisableSourceCache, func() error { return o.disableSourceCache(inst) }},
		{PhaseCheckDestinationMapper, func() (err error) {
			mapper, err = o.checkDestinationMapper(ctx, remote, s)
			return err
		}},
		{PhaseReconcileDestinationMapper, func() error {
			if !mapper {
				return nil
			}
			return o.reconcileDestinationMapper(ctx, remote, s)
		}},
		{PhaseBringUpDestinationMapper, func() error { return o.remote(ctx, remote, s, "start") }},
		{PhaseDrainWait, func() error { return o.drain(ctx, s, inst) }},
		{PhaseSettleDelay, func() error { return o.settle(ctx, s) }},
		{PhaseLiveMigrate, func() error { return o.liveMigrate(s) }},
		{PhaseConfirmSourceTeardown, func() error { return o.confirmTeardown(s) }},
		{PhaseSourceTeardown, func() error { return o.sourceTeardown(ctx, s, inst) }},
		{PhaseEnableDestinationCache, func() error { return o.remote(ctx, remote, s, "cacheon") }},
	}

	for _, step := range steps {
		s.Phase = step.phase
		start := o.Now()
		err := step.run()
		metrics.MeasureSince([]string{"migrate", "phase", step.phase.String()}, start)
		if err != nil {
			kind := KindTool
			var pe *PhaseError
			if errors.As(err, &pe) {
				kind = pe.Kind
			} else {
				err = fail(step.phase, kind, err)
			}
			metrics.IncrCounter([]string{"migrate", "failed", kind.String()}, 1)
			logger.WithFields(log.Fields{
				"error": err,
				"phase": step.phase,
			}).Error("migration failed")
			return s, err
		}
	}

	s.Phase = PhaseDone
	metrics.IncrCounter([]string{"migrate", "completed"}, 1)
	metrics.MeasureSince([]string{"migrate", "session"}, s.Started)
	logger.Info("migration completed")
	return s, nil
}

func (o *Orchestrator) confirm(policy ConfirmPolicy, question string) (bool, error) {
	switch policy {
	case ConfirmAlways:
		return true, nil
	case ConfirmNever:
		return false, nil
	}
	if o.Prompter == nil {
		return false, nil
	}
	return o.Prompter.Confirm(question)
}

func (o *Orchestrator) validateSource(ctx context.Context, s *Session, inst *Instance) error {
	o.Progress.Begin("Validating source", s.Source)
	if inst.Disabled {
		o.Progress.Middle("Instance is disabled", false)
		o.Progress.End("Fail", false)
		return fail(PhaseValidateSource, KindPrecondition, ErrDisabled)
	}
	running, err := o.Source.Running(s.Instance)
	if err != nil {
		o.Progress.End("Fail", false)
		return fail(PhaseValidateSource, KindHypervisor, err)
	}
	if running {
		o.Progress.End("Ok", true)
		return nil
	}
	if !s.PingPong {
		o.Progress.Middle("Instance is not running", false)
		o.Progress.End("Fail", false)
		return fail(PhaseValidateSource, KindPrecondition, ErrNotRunning)
	}
	o.Progress.End("not running", false)

	o.Progress.Begin("Waiting to see instance", s.Instance)
	deadline := o.Now().Add(o.Options.SourceTimeout)
	for {
		if o.Now().After(deadline) {
			o.Progress.End("Timeout", false)
			return fail(PhaseValidateSource, KindTimeout, fmt.Errorf("%s did not appear within %s", s.Instance, o.Options.SourceTimeout))
		}
		if err := o.Sleep(ctx, o.Options.SourceInterval); err != nil {
			o.Progress.End("Fail", false)
			return fail(PhaseValidateSource, KindTimeout, err)
		}
		running, err := o.Source.Running(s.Instance)
		if err != nil {
			o.Progress.End("Fail", false)
			return fail(PhaseValidateSource, KindHypervisor, err)
		}
		if running {
			break
		}
		o.Progress.Middle("wait", true)
	}
	if err := o.Sleep(ctx, o.Options.SourceSettle); err != nil {
		o.Progress.End("Fail", false)
		return fail(PhaseValidateSource, KindTimeout, err)
	}
	o.Progress.End("Ok", true)
	return nil
}

func (o *Orchestrator) validateDestination(s *Session, inst *Instance) error {
	o.Progress.Begin("Validating destination", s.Dest)
	if !inst.ServedBy(s.Dest) {
		o.Progress.Middle("Destination does not serve instance", false)
		o.Progress.End("Fail", false)
		return fail(PhaseValidateDestination, KindPrecondition, ErrNotServed)
	}
	dst, err := o.DialDest(s.Dest)
	if err != nil {
		o.Progress.End("Fail", false)
		return fail(PhaseValidateDestination, KindHypervisor, err)
	}
	defer dst.Close()

	running, err := dst.Running(s.Instance)
	if err != nil {
		o.Progress.End("Fail", false)
		return fail(PhaseValidateDestination, KindHypervisor, err)
	}
	if running {
		o.Progress.Middle("Instance is already running", false)
		o.Progress.End("Fail", false)
		return fail(PhaseValidateDestination, KindPrecondition, ErrAlreadyRunning)
	}
	o.Progress.End("Ok", true)
	return nil
}

func (o *Orchestrator) disableSourceCache(inst *Instance) error {
	if err := o.Manager.CacheOff(inst); err != nil {
		kind := KindTool
		if errors.Is(err, ErrNotRunning) || errors.Is(err, ErrNoBinding) {
			kind = KindPrecondition
		}
		return fail(PhaseDisableSourceCache, kind, err)
	}
	return nil
}

func (o *Orchestrator) checkDestinationMapper(ctx context.Context, r runner.Runner, s *Session) (bool, error) {
	o.Progress.Begin("Checking mapper on", s.Dest)
	script := fmt.Sprintf("if [ -e %s ]; then echo -n 1; else echo -n 0; fi", o.Manager.MapperPath(&Instance{Name: s.Instance}))
	res, err := runner.Check(ctx, r, "sh", "-c", script)
	if err != nil {
		o.Progress.End("Fail", false)
		return false, fail(PhaseCheckDestinationMapper, KindTool, err)
	}
	exists := strings.TrimSpace(string(res.Output)) == "1"
	if exists {
		o.Progress.End("exists", false)
	} else {
		o.Progress.End("Ok", true)
	}
	return exists, nil
}

func (o *Orchestrator) reconcileDestinationMapper(ctx context.Context, r runner.Runner, s *Session) error {
	policy := o.Options.ConfirmDestMapper
	if s.PingPong {
		policy = o.Options.PingPongDestMapper
	}
	ok, err := o.confirm(policy, fmt.Sprintf("Mapper for %s exists on %s, remove it?", s.Instance, s.Dest))
	if err != nil {
		return fail(PhaseReconcileDestinationMapper, KindRefused, err)
	}
	if !ok {
		o.Progress.Begin("Aborting procedure", s.Instance)
		o.Progress.End("Fail", false)
		return fail(PhaseReconcileDestinationMapper, KindRefused, errors.New("destination mapper removal declined"))
	}
	return o.remote(ctx, r, s, "remove")
}

var remoteVerbs = map[string]string{
	"remove":  "Removing mapper on",
	"start":   "Starting mapper on",
	"cacheon": "Enabling cache on",
}

// remote runs this tool with verb and the instance name on the destination.
func (o *Orchestrator) remote(ctx context.Context, r runner.Runner, s *Session, verb string) error {
	o.Progress.Begin(remoteVerbs[verb], s.Dest)
	args := append(append([]string{}, o.Options.RemoteCommand[1:]...), verb, s.Instance)
	_, err := runner.Check(ctx, r, o.Options.RemoteCommand[0], args...)
	if err != nil {
		o.Progress.End("Fail", false)
		kind := KindTool
		var se *runner.StatusError
		if errors.As(err, &se) && se.Status == ExitNoFreeDevice {
			kind = KindExhausted
		}
		return fail(s.Phase, kind, err)
	}
	o.Progress.End("Ok", true)
	return nil
}

func (o *Orchestrator) drain(ctx context.Context, s *Session, inst *Instance) error {
	o.Progress.Begin("Waiting for Dirty Blocks => 0", s.Instance)
	d, err := o.Manager.binding(inst)
	if err != nil {
		o.Progress.End("Fail", false)
		return fail(PhaseDrainWait, KindPrecondition, err)
	}

	deadline := o.Now().Add(o.Options.DrainTimeout)
	for {
		status, err := o.Manager.Status(ctx, inst)
		if err != nil {
			o.Progress.End("Fail", false)
			return fail(PhaseDrainWait, KindTool, err)
		}
		s.Polls++
		s.Dirty = status.DirtyBytes()
		if status.DirtyBlocks == 0 {
			o.Progress.End("Ok", true)
			return nil
		}
		log.WithFields(log.Fields{
			"session": s.ID,
			"dirty":   s.Dirty,
			"blocks":  status.DirtyBlocks,
		}).Debug("cache not drained")

		if err := o.Manager.set(inst, d, ParamDoSync, 1); err != nil {
			o.Progress.End("Fail", false)
			return fail(PhaseDrainWait, KindTool, err)
		}
		if o.Now().After(deadline) {
			o.Progress.End("Timeout", false)
			return fail(PhaseDrainWait, KindTimeout, fmt.Errorf("%d dirty blocks left after %s", status.DirtyBlocks, o.Options.DrainTimeout))
		}
		if err := o.Sleep(ctx, o.Options.PollInterval); err != nil {
			o.Progress.End("Fail", false)
			return fail(PhaseDrainWait, KindTimeout, err)
		}
	}
}

func (o *Orchestrator) settle(ctx context.Context, s *Session) error {
	o.Progress.Begin("Waiting", o.Options.SettleDelay.String())
	remaining := o.Options.SettleDelay
	for remaining > 0 {
		step := 10 * time.Second
		if step > remaining {
			step = remaining
		}
		if err := o.Sleep(ctx, step); err != nil {
			o.Progress.End("Fail", false)
			return fail(PhaseSettleDelay, KindTimeout, err)
		}
		remaining -= step
		o.Progress.Middle(remaining.String(), true)
	}
	o.Progress.End("Ok", true)
	return nil
}

func (o *Orchestrator) liveMigrate(s *Session) error {
	o.Progress.Begin("Migrating", s.Instance+" to "+s.Dest)
	if err := o.Source.Migrate(s.Instance, s.Dest); err != nil {
		o.Progress.End("Fail", false)
		return fail(PhaseLiveMigrate, KindHypervisor, err)
	}
	o.Progress.End("Ok", true)
	return nil
}

func (o *Orchestrator) confirmTeardown(s *Session) error {
	policy := o.Options.ConfirmTeardown
	if s.PingPong {
		policy = o.Options.PingPongTeardown
	}
	ok, err := o.confirm(policy, fmt.Sprintf("Is it safe to remove the mapper of %s here?", s.Instance))
	if err != nil {
		return fail(PhaseConfirmSourceTeardown, KindRefused, err)
	}
	if !ok {
		o.Progress.Begin("Aborting procedure", s.Instance)
		o.Progress.End("Fail", false)
		return fail(PhaseConfirmSourceTeardown, KindRefused, errors.New("source teardown declined"))
	}
	return nil
}

func (o *Orchestrator) sourceTeardown(ctx context.Context, s *Session, inst *Instance) error {
	if err := o.Manager.Remove(ctx, inst); err != nil {
		return fail(PhaseSourceTeardown, KindTool, err)
	}

	if inst.context == nil {
		return nil
	}
	if err := inst.Refresh(); err != nil && !o.context.IsKeyNotFound(err) {
		log.WithFields(log.Fields{"error": err, "func": "Instance.Refresh"}).Warn("failed to reload instance")
		return nil
	}
	if err := inst.SetNode(s.Dest); err != nil {
		log.WithFields(log.Fields{
			"error":    err,
			"instance": s.Instance,
			"func":     "Instance.SetNode",
		}).Warn("failed to record new node")
	}
	return nil
}
