package flashnbd

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/mistifyio/flashnbd/pkg/kv"
)

var (
	// DevicePath is the key prefix for device bindings, by host then instance
	DevicePath = "flashnbd/devices/"
	// SlotPath is the key prefix for device slot claims, by host then index
	SlotPath = "flashnbd/slots/"
)

// DeviceAllocation binds an instance on a host to a numbered nbd slot and
// the SSD volume caching it.
type DeviceAllocation struct {
	context       *Context
	modifiedIndex uint64
	Host          string    `json:"host"`
	Name          string    `json:"name"`
	Device        int       `json:"device"`
	SSDPath       string    `json:"ssd_path"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeviceAllocations is a helper for slices of bindings
type DeviceAllocations []*DeviceAllocation

func deviceKey(host, name string) string {
	return path.Join(DevicePath, host, name)
}

func slotKey(host string, index int) string {
	return path.Join(SlotPath, host, strconv.Itoa(index))
}

// DeviceAllocation fetches the binding of name on host.
func (c *Context) DeviceAllocation(host, name string) (*DeviceAllocation, error) {
	v, err := c.kv.Get(deviceKey(host, name))
	if err != nil {
		return nil, err
	}
	return c.decodeAllocation(v)
}

func (c *Context) decodeAllocation(v kv.Value) (*DeviceAllocation, error) {
	d := &DeviceAllocation{context: c}
	if err := json.Unmarshal(v.Data, d); err != nil {
		return nil, err
	}
	d.modifiedIndex = v.Index
	return d, nil
}

// DeviceAllocations returns the bindings recorded for host, ordered by device.
func (c *Context) DeviceAllocations(host string) (DeviceAllocations, error) {
	values, err := c.kv.GetAll(path.Join(DevicePath, host) + "/")
	if err != nil {
		return nil, err
	}

	allocations := make(DeviceAllocations, 0, len(values))
	for _, v := range values {
		d, err := c.decodeAllocation(v)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, d)
	}
	sort.Slice(allocations, func(a, b int) bool {
		return allocations[a].Device < allocations[b].Device
	})
	return allocations, nil
}

// claimedSlots returns the device indexes claimed on host.
func (c *Context) claimedSlots(host string) (map[int]bool, error) {
	keys, err := c.kv.Keys(path.Join(SlotPath, host) + "/")
	if err != nil {
		return nil, err
	}
	claimed := make(map[int]bool, len(keys))
	for _, k := range keys {
		index, err := strconv.Atoi(path.Base(k))
		if err != nil {
			continue
		}
		claimed[index] = true
	}
	return claimed, nil
}

// DeviceName is the kernel name of the bound slot, nbdN.
func (d *DeviceAllocation) DeviceName() string {
	return fmt.Sprintf("nbd%d", d.Device)
}

// DevicePath is the device node of the bound slot under devRoot.
func (d *DeviceAllocation) DevicePath(devRoot string) string {
	return filepath.Join(devRoot, d.DeviceName())
}

func (d *DeviceAllocation) key() string {
	return deviceKey(d.Host, d.Name)
}
