package flashnbd

import (
	"path"
	"time"

	"github.com/mistifyio/flashnbd/pkg/kv"
)

var (
	// ProcessPath is the key prefix for process registrations
	ProcessPath = "flashnbd/processes/"
)

// PIDChecker tells whether a pid is alive on the local host.
type PIDChecker interface {
	Alive(pid int) bool
}

// ProcessRegistration records a helper process serving an instance on a
// host, optionally for one of its nbd devices.
type ProcessRegistration struct {
	context       *Context
	modifiedIndex uint64
	Host          string    `json:"host"`
	Name          string    `json:"name"`
	Device        string    `json:"device,omitempty"`
	PID           int       `json:"pid"`
	Server        string    `json:"server,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

func processKey(host, name, device string) string {
	return path.Join(ProcessPath, host, name, device)
}

// RegisterProcess records pid as serving name on host, replacing an earlier
// registration.
func (c *Context) RegisterProcess(host, name, device string, pid int, server string) (*ProcessRegistration, error) {
	p := &ProcessRegistration{
		context:   c,
		Host:      host,
		Name:      name,
		Device:    device,
		PID:       pid,
		Server:    server,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	key := processKey(host, name, device)
	for {
		var index uint64
		current, err := c.kv.Get(key)
		switch {
		case err == nil:
			index = current.Index
		case c.IsKeyNotFound(err):
		default:
			return nil, err
		}

		p.modifiedIndex, err = c.kv.Update(key, kv.Value{Data: data, Index: index})
		if err == nil {
			return p, nil
		}
		if !kv.IsConflict(err) {
			return nil, err
		}
	}
}

// Process fetches a registration.
func (c *Context) Process(host, name, device string) (*ProcessRegistration, error) {
	v, err := c.kv.Get(processKey(host, name, device))
	if err != nil {
		return nil, err
	}
	p := &ProcessRegistration{context: c}
	if err := json.Unmarshal(v.Data, p); err != nil {
		return nil, err
	}
	p.modifiedIndex = v.Index
	return p, nil
}

// Processes returns every registration for name on host, the per device
// ones included.
func (c *Context) Processes(host, name string) ([]*ProcessRegistration, error) {
	prefix := path.Join(ProcessPath, host, name)
	values, err := c.kv.GetAll(prefix)
	if err != nil {
		return nil, err
	}

	var procs []*ProcessRegistration
	for k, v := range values {
		if k != prefix && path.Dir(k) != prefix {
			continue
		}
		p := &ProcessRegistration{context: c}
		if err := json.Unmarshal(v.Data, p); err != nil {
			return nil, err
		}
		p.modifiedIndex = v.Index
		procs = append(procs, p)
	}
	return procs, nil
}

// UnregisterProcess deletes a registration. A missing one is not an error.
func (c *Context) UnregisterProcess(host, name, device string) error {
	err := c.kv.Delete(processKey(host, name, device), false)
	if err != nil && c.IsKeyNotFound(err) {
		return nil
	}
	return err
}

// ProcessRunning reports whether a registration exists and its pid is
// alive. A stale registration is not running.
func (c *Context) ProcessRunning(host, name, device string, checker PIDChecker) (bool, error) {
	p, err := c.Process(host, name, device)
	if err != nil {
		if c.IsKeyNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return p.Alive(checker), nil
}

// Alive reports whether the registered pid exists.
func (p *ProcessRegistration) Alive(checker PIDChecker) bool {
	return checker.Alive(p.PID)
}
