// Package procscan inspects the processes of the local host through procfs,
// answering which device nodes are held open and whether a pid is alive.
package procscan

import (
	"strings"

	"github.com/prometheus/procfs"
)

// DefaultMountPoint is where procfs is normally mounted.
const DefaultMountPoint = procfs.DefaultMountPoint

// Scanner walks the process table of a procfs mount.
type Scanner struct {
	fs procfs.FS
}

// New returns a Scanner for the procfs mounted at mountPoint.
func New(mountPoint string) (*Scanner, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, err
	}
	return &Scanner{fs: fs}, nil
}

// Busy returns the open descriptor targets beginning with prefix, mapped to
// the pids holding them. Processes that exit or can not be read during the
// walk are skipped.
func (s *Scanner) Busy(prefix string) (map[string][]int, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, err
	}

	busy := map[string][]int{}
	for _, p := range procs {
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue
		}
		for _, target := range targets {
			if target == "" || !strings.HasPrefix(target, prefix) {
				continue
			}
			busy[target] = append(busy[target], p.PID)
		}
	}
	return busy, nil
}

// Holders returns the pids that have path open.
func (s *Scanner) Holders(path string) ([]int, error) {
	busy, err := s.Busy(path)
	if err != nil {
		return nil, err
	}
	return busy[path], nil
}

// Alive reports whether a process with the pid exists.
func (s *Scanner) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := s.fs.Proc(pid)
	return err == nil
}
