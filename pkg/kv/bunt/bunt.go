// Package bunt is an embedded kv implementation backed by buntdb. It is meant
// for single host deployments and tests, bunt://memory opens a store that
// lives only as long as the process.
package bunt

import (
	"net/url"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/mistifyio/flashnbd/pkg/kv"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// revKey holds the store wide modification counter. It sorts outside of
// every key prefix used by callers.
const revKey = "\x00rev"

func init() {
	kv.Register("bunt", New)
}

type bkv struct {
	db *buntdb.DB
}

type entry struct {
	Index uint64 `json:"index"`
	Data  []byte `json:"data"`
}

// New opens the database named by addr: bunt://memory for an in-memory
// store, bunt:///path/to/file otherwise.
func New(addr string) (kv.KV, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	path := u.Path
	if u.Host == "memory" || path == "" {
		path = ":memory:"
	}

	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "buntdb.Open")
	}
	return &bkv{db: db}, nil
}

func decode(raw string) (entry, error) {
	var e entry
	err := json.Unmarshal([]byte(raw), &e)
	return e, err
}

// bump increments and returns the store modification counter.
func bump(tx *buntdb.Tx) (uint64, error) {
	var rev uint64
	raw, err := tx.Get(revKey)
	switch err {
	case nil:
		rev, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, err
		}
	case buntdb.ErrNotFound:
	default:
		return 0, err
	}
	rev++
	_, _, err = tx.Set(revKey, strconv.FormatUint(rev, 10), nil)
	return rev, err
}

func put(tx *buntdb.Tx, key string, data []byte) (uint64, error) {
	rev, err := bump(tx)
	if err != nil {
		return 0, err
	}
	raw, err := json.Marshal(entry{Index: rev, Data: data})
	if err != nil {
		return 0, err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return rev, err
}

func (b *bkv) Delete(key string, recurse bool) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		keys := []string{key}
		if recurse {
			err := tx.AscendKeys(key+"*", func(k, _ string) bool {
				keys = append(keys, k)
				return true
			})
			if err != nil {
				return err
			}
		}
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

func (b *bkv) Get(key string) (kv.Value, error) {
	var value kv.Value
	err := b.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return errors.Wrap(kv.ErrKeyNotFound, key)
		}
		if err != nil {
			return err
		}
		e, err := decode(raw)
		if err != nil {
			return err
		}
		value = kv.Value{Data: e.Data, Index: e.Index}
		return nil
	})
	return value, err
}

func (b *bkv) GetAll(prefix string) (map[string]kv.Value, error) {
	many := map[string]kv.Value{}
	err := b.db.View(func(tx *buntdb.Tx) error {
		var derr error
		err := tx.AscendKeys(prefix+"*", func(k, raw string) bool {
			e, err := decode(raw)
			if err != nil {
				derr = errors.Wrap(err, k)
				return false
			}
			many[k] = kv.Value{Data: e.Data, Index: e.Index}
			return true
		})
		if err != nil {
			return err
		}
		return derr
	})
	return many, err
}

func (b *bkv) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(k, _ string) bool {
			keys = append(keys, k)
			return true
		})
	})
	return keys, err
}

func (b *bkv) Set(key, value string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := put(tx, key, []byte(value))
		return err
	})
}

func (b *bkv) Update(key string, value kv.Value) (uint64, error) {
	var index uint64
	err := b.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		switch {
		case err == buntdb.ErrNotFound:
			if value.Index != 0 {
				return errors.Wrap(kv.ErrConflict, key)
			}
		case err != nil:
			return err
		default:
			current, err := decode(raw)
			if err != nil {
				return err
			}
			if value.Index == 0 || current.Index != value.Index {
				return errors.Wrap(kv.ErrConflict, key)
			}
		}

		index, err = put(tx, key, value.Data)
		return err
	})
	return index, err
}

func (b *bkv) Remove(key string, index uint64) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return errors.Wrap(kv.ErrKeyNotFound, key)
		}
		if err != nil {
			return err
		}
		current, err := decode(raw)
		if err != nil {
			return err
		}
		if current.Index != index {
			return errors.Wrap(kv.ErrConflict, key)
		}
		_, err = tx.Delete(key)
		return err
	})
}

func (b *bkv) IsKeyNotFound(err error) bool {
	return errors.Cause(err) == kv.ErrKeyNotFound
}

func (b *bkv) Ping() error {
	return b.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Len()
		return err
	})
}

func (b *bkv) Close() error {
	return b.db.Close()
}
