package main

import (
	"time"

	"github.com/armon/go-metrics"
)

// setupMetrics installs the global metrics sink: an in-memory sink dumped to
// stderr on SIGUSR1, fanned out to statsd when addr is set. Without a usable
// statsd sink the in-memory one is still installed.
func setupMetrics(addr string) (*metrics.Metrics, error) {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	fanout := metrics.FanoutSink{inm}

	var serr error
	if addr != "" {
		ss, err := metrics.NewStatsdSink(addr)
		if err == nil {
			fanout = append(fanout, ss)
		}
		serr = err
	}

	conf := metrics.DefaultConfig("flashnbd")
	conf.EnableHostname = false
	m, err := metrics.NewGlobal(conf, fanout)
	if err != nil {
		return nil, err
	}
	return m, serr
}
