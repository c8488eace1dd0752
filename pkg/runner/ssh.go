package runner

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"time"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/mistifyio/flashnbd/pkg/hostport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSH runs commands on remote hosts over ssh with public key auth.
type SSH struct {
	User       string
	KeyFile    string
	KnownHosts string
	Port       string
	Timeout    time.Duration
}

// On returns a Runner executing commands on host.
func (s *SSH) On(host string) Runner {
	return &remote{ssh: s, host: host}
}

func (s *SSH) clientConfig() (*ssh.ClientConfig, error) {
	key, err := ioutil.ReadFile(s.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse ssh key")
	}
	callback, err := knownhosts.New(s.KnownHosts)
	if err != nil {
		return nil, errors.Wrap(err, "load known hosts")
	}

	user := s.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: callback,
		Timeout:         s.Timeout,
	}, nil
}

// dial opens an authenticated ssh connection to host.
func (s *SSH) dial(host string) (*ssh.Client, error) {
	config, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	port := s.Port
	if port == "" {
		port = "22"
	}
	addr, err := hostport.WithDefaultPort(host, port)
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, errors.Wrapf(err, "ssh %s", addr)
	}
	return client, nil
}

// Tunnel opens a connection to addr on network as reached from host,
// carried over ssh. Closing it closes the ssh connection too.
func (s *SSH) Tunnel(host, network, addr string) (net.Conn, error) {
	client, err := s.dial(host)
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(network, addr)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "tunnel to %s on %s", addr, host)
	}
	return &tunnel{Conn: conn, client: client}, nil
}

type tunnel struct {
	net.Conn
	client *ssh.Client
}

func (t *tunnel) Close() error {
	err := t.Conn.Close()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

type remote struct {
	ssh  *SSH
	host string
}

// Run implements Runner. The command line is shell quoted and handed to the
// remote user's shell.
func (r *remote) Run(ctx context.Context, name string, args ...string) (Result, error) {
	client, err := r.ssh.dial(r.host)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Wrap(err, "ssh session")
	}
	defer func() { _ = session.Close() }()

	out := &bytes.Buffer{}
	session.Stdout = out
	session.Stderr = out

	line := shellquote.Join(append([]string{name}, args...)...)
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		_ = client.Close()
		// out is written until Run returns
		<-done
		return Result{Output: out.Bytes()}, ctx.Err()
	case err = <-done:
	}

	res := Result{Output: out.Bytes()}
	log.WithFields(log.Fields{
		"host":    r.host,
		"command": line,
	}).Debug("ran remote command")

	if exitErr, ok := err.(*ssh.ExitError); ok {
		res.Status = exitErr.ExitStatus()
		return res, nil
	}
	return res, err
}
