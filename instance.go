package flashnbd

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mistifyio/flashnbd/pkg/hostport"
	"github.com/mistifyio/flashnbd/pkg/kv"
	"github.com/pkg/errors"
)

var (
	// InstancePath is the key prefix for instances
	InstancePath = "flashnbd/instances/"
)

var validate = validator.New()

type (
	// Instance is a virtual machine whose disk image lives on the shared
	// filesystem and is served through a local nbd device fronted by a
	// write-back flashcache on SSD.
	Instance struct {
		context       *Context
		modifiedIndex uint64
		Name          string    `json:"name" yaml:"name" validate:"required,excludesall=/+"`
		Node          string    `json:"node" yaml:"node" validate:"required"`
		FSRoot        string    `json:"fs_root" yaml:"fs_root" validate:"required"`
		VolumeGroup   string    `json:"volume_group" yaml:"volume_group" validate:"required"`
		CacheSSDPath  string    `json:"cache_ssd_path,omitempty" yaml:"cache_ssd_path"`
		CacheSizeGB   uint64    `json:"cache_size_gb" yaml:"cache_size_gb" validate:"required,min=1"`
		Type          string    `json:"type,omitempty" yaml:"type" validate:"omitempty,oneof=single replicated"`
		Hosts         []string  `json:"hosts,omitempty" yaml:"hosts" validate:"omitempty,dive,required"`
		Disabled      bool      `json:"disabled,omitempty" yaml:"disabled"`
		CreatedAt     time.Time `json:"created_at" yaml:"-"`
		ModifiedAt    time.Time `json:"modified_at" yaml:"-"`
	}

	// Instances is a helper for slices of instances
	Instances []*Instance
)

func (c *Context) blankInstance(name string) *Instance {
	return &Instance{
		context: c,
		Name:    name,
		Type:    "single",
	}
}

// NewInstance creates a new "blank" instance. Fill in the needed values and then call Save
func (c *Context) NewInstance(name string) *Instance {
	return c.blankInstance(name)
}

// Instance fetches a single instance by name
func (c *Context) Instance(name string) (*Instance, error) {
	i := c.blankInstance(name)
	if err := i.Refresh(); err != nil {
		return nil, err
	}
	return i, nil
}

// Instances returns the instances placed on host, or every instance when
// host is empty. They are sorted by name.
func (c *Context) Instances(host string) (Instances, error) {
	var instances Instances
	err := c.ForEachInstance(func(i *Instance) error {
		if host == "" || i.Node == host {
			instances = append(instances, i)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Sort(instances)
	return instances, nil
}

// ForEachInstance will run f on each instance. It will stop iteration if f returns an error.
func (c *Context) ForEachInstance(f func(*Instance) error) error {
	values, err := c.kv.GetAll(InstancePath)
	if err != nil {
		return err
	}
	for _, v := range values {
		i := c.blankInstance("")
		if err := json.Unmarshal(v.Data, i); err != nil {
			return err
		}
		i.modifiedIndex = v.Index
		if err := f(i); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) key() string {
	return path.Join(InstancePath, i.Name)
}

// Refresh reloads from the data store
func (i *Instance) Refresh() error {
	v, err := i.context.kv.Get(i.key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.Data, i); err != nil {
		return err
	}
	i.modifiedIndex = v.Index
	return nil
}

// Validate ensures the values are reasonable.
func (i *Instance) Validate() error {
	if err := validate.Struct(i); err != nil {
		return errors.Wrapf(err, "instance %q", i.Name)
	}
	if i.Type == "replicated" && len(i.Hosts) < 2 {
		return errors.Errorf("instance %q: replicated needs at least two hosts", i.Name)
	}
	return nil
}

// ServedBy reports whether host may run the instance. An instance without
// hosts may run anywhere.
func (i *Instance) ServedBy(host string) bool {
	if len(i.Hosts) == 0 {
		return true
	}
	h, err := hostport.Host(host)
	if err != nil {
		return false
	}
	for _, allowed := range i.Hosts {
		if allowed == h {
			return true
		}
	}
	return false
}

// Save persists the instance to the data store
func (i *Instance) Save() error {
	if err := i.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	i.ModifiedAt = now

	v, err := json.Marshal(i)
	if err != nil {
		return err
	}

	// if we changed something, don't clobber
	index, err := i.context.kv.Update(i.key(), kv.Value{Data: v, Index: i.modifiedIndex})
	if err != nil {
		return err
	}
	i.modifiedIndex = index
	return nil
}

// Delete removes the instance record. The record must not have changed
// since it was loaded.
func (i *Instance) Delete() error {
	return i.context.kv.Remove(i.key(), i.modifiedIndex)
}

// SetNode records host as the node running the instance.
func (i *Instance) SetNode(host string) error {
	i.Node = host
	return i.Save()
}

// ImagePath is the backing disk image on the shared filesystem.
func (i *Instance) ImagePath() string {
	return filepath.Join("/", i.FSRoot, i.Name+".img")
}

// SSDPath is the cache volume of the instance, the logical volume named
// after it in its volume group unless configured otherwise. devRoot is
// normally /dev.
func (i *Instance) SSDPath(devRoot string) string {
	if i.CacheSSDPath != "" {
		return i.CacheSSDPath
	}
	return filepath.Join(devRoot, i.VolumeGroup, i.Name)
}

func (i *Instance) String() string {
	return fmt.Sprintf("%s@%s", i.Name, i.Node)
}

// Len is the number of instances
func (s Instances) Len() int {
	return len(s)
}

// Less orders instances by name
func (s Instances) Less(a, b int) bool {
	return s[a].Name < s[b].Name
}

// Swap swaps two instances
func (s Instances) Swap(a, b int) {
	s[a], s[b] = s[b], s[a]
}
