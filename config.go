package flashnbd

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Used to get set arbitrary config variables

var (
	// ConfigPath is the key prefix for cluster wide settings
	ConfigPath = "flashnbd/config/"
	// InstanceConfigDir holds one <name>.yaml file per instance
	InstanceConfigDir = "/etc/flashnbd/instances"
)

// Config fetches a cluster wide setting
func (c *Context) Config(key string) (string, error) {
	v, err := c.kv.Get(path.Join(ConfigPath, key))
	if err != nil {
		return "", err
	}
	return string(v.Data), nil
}

// SetConfig stores a cluster wide setting
func (c *Context) SetConfig(key, val string) error {
	return c.kv.Set(path.Join(ConfigPath, key), val)
}

// ReadInstanceFile decodes and validates an instance definition. The name
// defaults to the file name without extension.
func ReadInstanceFile(file string) (*Instance, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	i := &Instance{Type: "single"}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(i); err != nil {
		return nil, errors.Wrap(err, file)
	}
	if i.Name == "" {
		i.Name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	if err := i.Validate(); err != nil {
		return nil, errors.Wrap(err, file)
	}
	return i, nil
}

// InstanceNames lists the instances defined in dir.
func InstanceNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

func instanceFile(dir, name string) (string, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		file := filepath.Join(dir, name+ext)
		if _, err := os.Stat(file); err == nil {
			return file, nil
		}
	}
	return "", os.ErrNotExist
}

// LoadInstance returns the instance named name. A definition in dir takes
// precedence over the store record, except for the node. The record's index
// is kept so a later Save replaces it.
func (c *Context) LoadInstance(dir, name string) (*Instance, error) {
	file, err := instanceFile(dir, name)
	if err != nil {
		return c.Instance(name)
	}

	i, err := ReadInstanceFile(file)
	if err != nil {
		return nil, err
	}
	i.context = c
	i.Name = name

	stored, err := c.Instance(name)
	switch {
	case err == nil:
		i.modifiedIndex = stored.modifiedIndex
		i.CreatedAt = stored.CreatedAt
		// placement follows migrations, the file only seeds it
		i.Node = stored.Node
	case c.IsKeyNotFound(err):
	default:
		return nil, err
	}
	return i, nil
}

// ImportInstance saves the definition of name found in dir to the store.
func (c *Context) ImportInstance(dir, name string) (*Instance, error) {
	i, err := c.LoadInstance(dir, name)
	if err != nil {
		return nil, err
	}
	return i, i.Save()
}
