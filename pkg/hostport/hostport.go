// Package hostport splits operator supplied destinations of the form
// "host", "host:port", "[host]" or "[host]:port" and fills in default ports
// for ssh and libvirt connections.
package hostport

import (
	"errors"
	"net"
	"strings"
)

// Split splits a network address into host and port parts. Port is empty if
// not supplied. Unlike net.SplitHostPort a missing port is not an error.
func Split(hostport string) (host string, port string, err error) {
	if hostport == "" {
		return "", "", nil
	}

	open := strings.Index(hostport, "[")
	closing := strings.Index(hostport, "]")
	switch {
	case open != strings.LastIndex(hostport, "["):
		return "", "", errors.New("too many '['")
	case closing != strings.LastIndex(hostport, "]"):
		return "", "", errors.New("too many ']'")
	}

	var rawport string
	switch {
	case open > 0:
		return "", "", errors.New("nothing can come before '['")
	case open == 0 && closing == -1:
		return "", "", errors.New("missing ']'")
	case open == 0:
		host = hostport[1:closing]
		rawport = hostport[closing+1:]
	case closing > -1:
		return "", "", errors.New("missing '['")
	default:
		// no brackets, the port follows the last colon
		if i := strings.LastIndex(hostport, ":"); i < 0 {
			host = hostport
		} else {
			host = hostport[:i]
			rawport = hostport[i:]
		}
	}

	if rawport != "" {
		if strings.LastIndex(rawport, ":") != 0 {
			return "", "", errors.New("poorly separated or formatted port")
		}
		port = rawport[1:]
	}
	return host, port, nil
}

// Host returns only the host part of hostport.
func Host(hostport string) (string, error) {
	host, _, err := Split(hostport)
	return host, err
}

// WithDefaultPort returns a dialable host:port, using port when hostport
// does not name one.
func WithDefaultPort(hostport, port string) (string, error) {
	host, p, err := Split(hostport)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", errors.New("missing host")
	}
	if p == "" {
		p = port
	}
	return net.JoinHostPort(host, p), nil
}
