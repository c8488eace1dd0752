package etcd

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/mistifyio/flashnbd/pkg/kv"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// RequestTimeout bounds every request made to the cluster.
var RequestTimeout = 5 * time.Second

func init() {
	kv.Register("etcd", New)
}

type ekv struct {
	e *clientv3.Client
}

// New connects to the etcd cluster named by addr, e.g.
// etcd://10.0.0.1:2379,10.0.0.2:2379. Scheme http and https are also
// accepted.
func New(addr string) (kv.KV, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	scheme := "http"
	if u.Scheme == "https" {
		scheme = "https"
	}
	var endpoints []string
	for _, host := range strings.Split(u.Host, ",") {
		endpoints = append(endpoints, scheme+"://"+host)
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &ekv{e: c}, nil
}

func (e *ekv) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), RequestTimeout)
}

func (e *ekv) Delete(key string, recurse bool) error {
	ctx, cancel := e.ctx()
	defer cancel()

	var opts []clientv3.OpOption
	if recurse {
		opts = append(opts, clientv3.WithPrefix())
	}
	_, err := e.e.Delete(ctx, key, opts...)
	return err
}

func (e *ekv) Get(key string) (kv.Value, error) {
	ctx, cancel := e.ctx()
	defer cancel()

	resp, err := e.e.Get(ctx, key)
	if err != nil {
		return kv.Value{}, err
	}
	if len(resp.Kvs) == 0 {
		return kv.Value{}, errors.Wrap(kv.ErrKeyNotFound, key)
	}
	node := resp.Kvs[0]
	return kv.Value{Data: node.Value, Index: uint64(node.ModRevision)}, nil
}

func (e *ekv) GetAll(prefix string) (map[string]kv.Value, error) {
	ctx, cancel := e.ctx()
	defer cancel()

	resp, err := e.e.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	many := make(map[string]kv.Value, len(resp.Kvs))
	for _, node := range resp.Kvs {
		many[string(node.Key)] = kv.Value{Data: node.Value, Index: uint64(node.ModRevision)}
	}
	return many, nil
}

func (e *ekv) Keys(prefix string) ([]string, error) {
	ctx, cancel := e.ctx()
	defer cancel()

	resp, err := e.e.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(resp.Kvs))
	for i := range resp.Kvs {
		keys[i] = string(resp.Kvs[i].Key)
	}
	return keys, nil
}

func (e *ekv) Set(key, value string) error {
	ctx, cancel := e.ctx()
	defer cancel()

	_, err := e.e.Put(ctx, key, value)
	return err
}

func (e *ekv) Update(key string, value kv.Value) (uint64, error) {
	ctx, cancel := e.ctx()
	defer cancel()

	// a zero index means the key must not exist yet
	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	if value.Index != 0 {
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", int64(value.Index))
	}

	resp, err := e.e.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(key, string(value.Data))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, errors.Wrap(kv.ErrConflict, key)
	}
	return uint64(resp.Header.Revision), nil
}

func (e *ekv) Remove(key string, index uint64) error {
	ctx, cancel := e.ctx()
	defer cancel()

	resp, err := e.e.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", int64(index))).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return errors.Wrap(kv.ErrConflict, key)
	}
	return nil
}

func (e *ekv) IsKeyNotFound(err error) bool {
	return errors.Cause(err) == kv.ErrKeyNotFound
}

func (e *ekv) Ping() error {
	ctx, cancel := e.ctx()
	defer cancel()

	_, err := e.e.Get(ctx, "flashnbd", clientv3.WithCountOnly())
	return err
}

func (e *ekv) Close() error {
	return e.e.Close()
}
