// Package deferer keeps the cleanups of a command, such as closing the store
// and hypervisor connections, so they still run when the command exits with
// a status, which skips regular defers.
package deferer

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

type cleanup struct {
	name string
	fn   func() error
}

// Deferer holds named cleanups.
type Deferer struct {
	fns []cleanup
	ran bool
}

// New returns an empty Deferer.
func New() *Deferer {
	return &Deferer{}
}

// Defer registers fn under name.
func (d *Deferer) Defer(name string, fn func() error) {
	d.fns = append(d.fns, cleanup{name: name, fn: fn})
}

// Close registers c.Close under name.
func (d *Deferer) Close(name string, c io.Closer) {
	d.Defer(name, c.Close)
}

// Run calls the cleanups once, last registered first. Failures are logged and
// returned together.
func (d *Deferer) Run() error {
	if d.ran {
		return nil
	}
	d.ran = true

	var result error
	for i := len(d.fns) - 1; i >= 0; i-- {
		c := d.fns[i]
		if err := c.fn(); err != nil {
			log.WithFields(log.Fields{
				"error":   err,
				"cleanup": c.name,
			}).Warn("cleanup failed")
			result = multierror.Append(result, err)
		}
	}
	return result
}

// Exit runs the cleanups, logs msg and err with the caller's position, then
// exits the process with code through the logrus exit handlers.
func (d *Deferer) Exit(err error, msg string, code int) {
	_ = d.Run()
	fields := log.Fields{
		"error":  err,
		"status": code,
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		fields["caller"] = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	log.WithFields(fields).Error(msg)
	log.StandardLogger().Exit(code)
}
