package flashnbd

import (
	"context"
	"time"

	"github.com/armon/go-metrics"
	log "github.com/sirupsen/logrus"
)

// DefaultPingPongInterval is the pause before each ping-pong pass.
const DefaultPingPongInterval = 20 * time.Second

// PingPong keeps migrating an instance to a peer host. The peer runs its own
// PingPong back, so after a successful pass the next one waits for the
// instance to return here.
type PingPong struct {
	Orchestrator *Orchestrator
	Instance     *Instance
	Peer         string
	Interval     time.Duration
	// MaxPasses stops the loop after that many passes, 0 runs forever.
	MaxPasses int
	// Pass is called after every pass with its outcome.
	Pass func(*Session, error)
	// Reload, when set, fetches the current definition of the instance
	// before each pass.
	Reload func() (*Instance, error)
}

// NewPingPong returns a PingPong between the orchestrator's host and peer.
func NewPingPong(o *Orchestrator, inst *Instance, peer string) *PingPong {
	return &PingPong{
		Orchestrator: o,
		Instance:     inst,
		Peer:         peer,
		Interval:     DefaultPingPongInterval,
	}
}

// Run loops until ctx is done, MaxPasses is reached or a pass fails fatally,
// which is then returned. Other failures start a fresh pass. Passes of a
// disabled instance are skipped.
func (p *PingPong) Run(ctx context.Context) error {
	o := p.Orchestrator
	for n := 0; p.MaxPasses == 0 || n < p.MaxPasses; n++ {
		o.Progress.Begin("Sleeping", p.Interval.String())
		if err := o.Sleep(ctx, p.Interval); err != nil {
			o.Progress.End("Stopped", false)
			return err
		}
		o.Progress.End("Ok", true)

		p.reload()
		if p.Instance.Disabled {
			log.WithFields(log.Fields{
				"instance": p.Instance.Name,
				"peer":     p.Peer,
			}).Info("instance disabled, pass skipped")
			continue
		}

		s, err := o.Migrate(ctx, p.Instance, p.Peer, true)
		if p.Pass != nil {
			p.Pass(s, err)
		}
		if err == nil {
			metrics.IncrCounter([]string{"pingpong", "passes"}, 1)
			continue
		}

		metrics.IncrCounter([]string{"pingpong", "failures"}, 1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsFatal(err) {
			return err
		}
		log.WithFields(log.Fields{
			"error":    err,
			"instance": p.Instance.Name,
			"peer":     p.Peer,
		}).Warn("ping-pong pass failed")
	}
	return nil
}

func (p *PingPong) reload() {
	if p.Reload == nil {
		return
	}
	inst, err := p.Reload()
	if err != nil {
		log.WithFields(log.Fields{
			"error":    err,
			"instance": p.Instance.Name,
		}).Warn("failed to reload instance, using the previous definition")
		return
	}
	p.Instance = inst
}
