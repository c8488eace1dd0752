package flashnbd

import (
	"fmt"
	"path"
	"time"

	"github.com/armon/go-metrics"
	"github.com/mistifyio/flashnbd/pkg/kv"
	"github.com/mistifyio/flashnbd/pkg/lock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxDevices is the size of a host's nbd slot pool.
	DefaultMaxDevices = 64
	// DefaultDevicePrefix is the device node prefix of nbd slots.
	DefaultDevicePrefix = "/dev/nbd"
)

// LockPath is the key prefix of the per host allocation locks
var LockPath = "flashnbd/locks/allocator/"

// BusyScanner reports which device nodes are held open on the local host.
type BusyScanner interface {
	Busy(prefix string) (map[string][]int, error)
}

// Allocator hands out nbd slots. A slot is free when the store records
// neither a binding nor a claim for it and no process on the host holds its
// device node open.
type Allocator struct {
	context *Context
	scanner BusyScanner
	// MaxDevices bounds the slot indexes to 0..MaxDevices-1.
	MaxDevices int
	// DevicePrefix is joined with the slot index to name its device node.
	DevicePrefix string
	// LockTTL is how long the allocation lock survives a crashed holder.
	LockTTL time.Duration
	// Holder identifies this process in the allocation lock.
	Holder string
}

// NewAllocator returns an Allocator with the default pool size. scanner
// must describe the host allocations are made for.
func (c *Context) NewAllocator(scanner BusyScanner) *Allocator {
	return &Allocator{
		context:      c,
		scanner:      scanner,
		MaxDevices:   DefaultMaxDevices,
		DevicePrefix: DefaultDevicePrefix,
		LockTTL:      30 * time.Second,
		Holder:       "flashnbd",
	}
}

// used collects the slots of host that are bound, claimed or open.
func (a *Allocator) used(host string) (map[int]bool, error) {
	used, err := a.context.claimedSlots(host)
	if err != nil {
		return nil, err
	}

	allocations, err := a.context.DeviceAllocations(host)
	if err != nil {
		return nil, err
	}
	for _, d := range allocations {
		used[d.Device] = true
	}

	busy, err := a.scanner.Busy(a.DevicePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "scan open devices")
	}
	for i := 0; i < a.MaxDevices; i++ {
		if _, ok := busy[a.devicePath(i)]; ok {
			used[i] = true
		}
	}
	return used, nil
}

func (a *Allocator) devicePath(index int) string {
	return fmt.Sprintf("%s%d", a.DevicePrefix, index)
}

func (a *Allocator) lowest(used, reserved map[int]bool) (int, error) {
	for i := 0; i < a.MaxDevices; i++ {
		if !used[i] && !reserved[i] {
			return i, nil
		}
	}
	metrics.IncrCounter([]string{"allocator", "exhausted"}, 1)
	return -1, ErrNoFreeDevice
}

// Allocate returns the lowest free slot of host that is not in reserved.
// Nothing is persisted.
func (a *Allocator) Allocate(host string, reserved map[int]bool) (int, error) {
	used, err := a.used(host)
	if err != nil {
		return -1, err
	}
	return a.lowest(used, reserved)
}

// Bind returns the binding of name on host, creating it with the lowest
// free slot when there is none. created reports whether a new binding was
// made; an existing one is returned untouched.
func (a *Allocator) Bind(host, name, ssdPath string) (d *DeviceAllocation, created bool, err error) {
	d, err = a.context.DeviceAllocation(host, name)
	if err == nil {
		return d, false, nil
	}
	if !a.context.IsKeyNotFound(err) {
		return nil, false, err
	}

	l, err := lock.Acquire(a.context.kv, path.Join(LockPath, host), a.Holder, a.LockTTL, true)
	if err != nil {
		return nil, false, errors.Wrap(err, "allocation lock")
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.WithFields(log.Fields{
				"error": err,
				"host":  host,
				"func":  "lock.Release",
			}).Warn("failed to release allocation lock")
		}
	}()

	used, err := a.used(host)
	if err != nil {
		return nil, false, err
	}

	var index int
	for {
		index, err = a.lowest(used, nil)
		if err != nil {
			return nil, false, err
		}
		_, err = a.context.kv.Update(slotKey(host, index), kv.Value{Data: []byte(name)})
		if err == nil {
			break
		}
		if !kv.IsConflict(err) {
			return nil, false, err
		}
		used[index] = true
	}

	d = &DeviceAllocation{
		context:   a.context,
		Host:      host,
		Name:      name,
		Device:    index,
		SSDPath:   ssdPath,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, false, err
	}

	d.modifiedIndex, err = a.context.kv.Update(d.key(), kv.Value{Data: data})
	if err != nil {
		a.unclaim(host, index)
		if kv.IsConflict(err) {
			// someone bound name while we were claiming
			winner, werr := a.context.DeviceAllocation(host, name)
			return winner, false, werr
		}
		return nil, false, err
	}

	metrics.IncrCounter([]string{"allocator", "bound"}, 1)
	log.WithFields(log.Fields{
		"host":     host,
		"instance": name,
		"device":   d.DeviceName(),
	}).Info("device bound")
	return d, true, nil
}

func (a *Allocator) unclaim(host string, index int) {
	if err := a.context.kv.Delete(slotKey(host, index), false); err != nil {
		log.WithFields(log.Fields{
			"error":  err,
			"host":   host,
			"device": index,
			"func":   "kv.Delete",
		}).Warn("failed to remove slot claim")
	}
}

// Release deletes the binding of name on host along with its slot claim.
func (a *Allocator) Release(host, name string) error {
	d, err := a.context.DeviceAllocation(host, name)
	if err != nil {
		if a.context.IsKeyNotFound(err) {
			return ErrNoBinding
		}
		return err
	}
	if err := a.context.kv.Remove(d.key(), d.modifiedIndex); err != nil {
		return err
	}
	a.unclaim(host, d.Device)
	metrics.IncrCounter([]string{"allocator", "released"}, 1)
	return nil
}
