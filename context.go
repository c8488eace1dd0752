package flashnbd

import (
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mistifyio/flashnbd/pkg/kv"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Context carries around data/structs needed for operations
type Context struct {
	kv kv.KV
}

// NewContext creates a new context around an open store. Close the context
// to close the store.
func NewContext(k kv.KV) *Context {
	return &Context{
		kv: k,
	}
}

// Close closes the underlying store.
func (c *Context) Close() error {
	return c.kv.Close()
}

// IsKeyNotFound is a helper to determine if the error is a key not found error
func (c *Context) IsKeyNotFound(err error) bool {
	return c.kv.IsKeyNotFound(err)
}

// Hostname returns the short name of this host, which is how hosts are
// identified in the store.
func Hostname() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return strings.SplitN(name, ".", 2)[0], nil
}
