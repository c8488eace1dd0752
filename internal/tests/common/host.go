package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mistifyio/flashnbd"
	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/mistifyio/flashnbd/pkg/virt"
)

// Call is one command line run through a Runner.
type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner records command lines and answers them with Handlers, keyed by
// command name. Unhandled commands succeed with no output.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	Handlers map[string]func(args []string) (runner.Result, error)
}

// NewRunner returns a Runner without handlers.
func NewRunner() *Runner {
	return &Runner{Handlers: map[string]func([]string) (runner.Result, error){}}
}

// Run implements runner.Runner.
func (r *Runner) Run(ctx context.Context, name string, args ...string) (runner.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Name: name, Args: args})
	h := r.Handlers[name]
	r.mu.Unlock()

	if h == nil {
		return runner.Result{}, nil
	}
	return h(args)
}

// Calls returns the recorded command lines.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.String()
	}
	return lines
}

// Ran returns the recorded command lines of the named command.
func (r *Runner) Ran(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lines []string
	for _, c := range r.calls {
		if c.Name == name {
			lines = append(lines, c.String())
		}
	}
	return lines
}

// Reset forgets the recorded command lines.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Scanner is a process table of device holders.
type Scanner struct {
	mu   sync.Mutex
	Open map[string][]int
	Dead map[int]bool
}

// NewScanner returns an empty process table.
func NewScanner() *Scanner {
	return &Scanner{Open: map[string][]int{}, Dead: map[int]bool{}}
}

// Busy implements flashnbd.BusyScanner.
func (s *Scanner) Busy(prefix string) (map[string][]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	busy := map[string][]int{}
	for path, pids := range s.Open {
		if strings.HasPrefix(path, prefix) {
			busy[path] = pids
		}
	}
	return busy, nil
}

// Holders implements flashnbd.ProcessScanner.
func (s *Scanner) Holders(path string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Open[path], nil
}

// Alive implements flashnbd.PIDChecker. Every pid is alive unless marked dead.
func (s *Scanner) Alive(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pid > 0 && !s.Dead[pid]
}

// Hold marks path as open by pid.
func (s *Scanner) Hold(path string, pid int) {
	s.mu.Lock()
	s.Open[path] = append(s.Open[path], pid)
	s.mu.Unlock()
}

// Drop marks path as closed.
func (s *Scanner) Drop(path string) {
	s.mu.Lock()
	delete(s.Open, path)
	s.mu.Unlock()
}

// TunableWrite is one flashcache parameter write.
type TunableWrite struct {
	Name   string
	Device int
	Param  string
	Value  int
}

// Tunables records parameter writes.
type Tunables struct {
	mu     sync.Mutex
	writes []TunableWrite
	Err    error
}

// Set implements flashnbd.Tunables.
func (t *Tunables) Set(name string, device int, param string, value int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return false, t.Err
	}
	t.writes = append(t.writes, TunableWrite{name, device, param, value})
	return true, nil
}

// Writes returns the recorded writes.
func (t *Tunables) Writes() []TunableWrite {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TunableWrite(nil), t.writes...)
}

// Count returns the number of writes of param.
func (t *Tunables) Count(param string) int {
	n := 0
	for _, w := range t.Writes() {
		if w.Param == param {
			n++
		}
	}
	return n
}

// Host simulates the block device tools of a host on a directory tree: the
// cache tools create and remove mapper nodes and the volume tools create and
// remove ssd volumes.
type Host struct {
	Root     string
	Paths    flashnbd.Paths
	Runner   *Runner
	Scanner  *Scanner
	Tunables *Tunables
	// Fail maps a command name to the exit status it fails with.
	Fail map[string]int
	// Dirty is the dirty block count of successive cache tables. The last
	// value repeats.
	Dirty []uint64
	// PID is the pid of the next attachment process.
	PID int

	mu sync.Mutex
}

// NewHost returns a Host rooted at root.
func NewHost(root string) *Host {
	h := &Host{
		Root: root,
		Paths: flashnbd.Paths{
			Dev:    filepath.Join(root, "dev"),
			Mapper: filepath.Join(root, "dev", "mapper"),
			Stats:  filepath.Join(root, "proc", "flashcache"),
		},
		Runner:   NewRunner(),
		Scanner:  NewScanner(),
		Tunables: &Tunables{},
		Fail:     map[string]int{},
		PID:      4242,
	}

	h.Runner.Handlers["qemu-nbd"] = h.qemuNBD
	h.Runner.Handlers["lvcreate"] = h.lvcreate
	h.Runner.Handlers["lvremove"] = h.lvremove
	h.Runner.Handlers["flashcache_create"] = h.flashcacheCreate
	h.Runner.Handlers["flashcache_load"] = h.flashcacheLoad
	h.Runner.Handlers["dmsetup"] = h.dmsetup
	h.Runner.Handlers["blockdev"] = h.failable("blockdev", nil)
	return h
}

// Init creates the directory tree.
func (h *Host) Init() error {
	for _, dir := range []string{h.Paths.Dev, h.Paths.Mapper, h.Paths.Stats} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// MapperExists reports whether the mapper node of name exists.
func (h *Host) MapperExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.Paths.Mapper, name))
	return err == nil
}

// Touch creates file and its parent directories.
func Touch(file string) error {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	return os.WriteFile(file, nil, 0644)
}

func (h *Host) failable(name string, fn func(args []string) error) func([]string) (runner.Result, error) {
	return func(args []string) (runner.Result, error) {
		if status := h.Fail[name]; status != 0 {
			return runner.Result{Status: status, Output: []byte(name + " failed")}, nil
		}
		if fn != nil {
			if err := fn(args); err != nil {
				return runner.Result{}, err
			}
		}
		return runner.Result{}, nil
	}
}

func (h *Host) qemuNBD(args []string) (runner.Result, error) {
	return h.failable("qemu-nbd", func(args []string) error {
		switch args[0] {
		case "-c":
			h.Scanner.Hold(args[1], h.PID)
			h.PID++
		case "-d":
			h.Scanner.Drop(args[1])
		}
		return nil
	})(args)
}

func (h *Host) lvcreate(args []string) (runner.Result, error) {
	return h.failable("lvcreate", func(args []string) error {
		name := strings.TrimPrefix(args[1], "-n")
		return Touch(filepath.Join(h.Paths.Dev, args[2], name))
	})(args)
}

func (h *Host) lvremove(args []string) (runner.Result, error) {
	return h.failable("lvremove", func(args []string) error {
		return os.Remove(args[1])
	})(args)
}

func (h *Host) flashcacheCreate(args []string) (runner.Result, error) {
	return h.failable("flashcache_create", func(args []string) error {
		return Touch(filepath.Join(h.Paths.Mapper, args[3]))
	})(args)
}

func (h *Host) flashcacheLoad(args []string) (runner.Result, error) {
	return h.failable("flashcache_load", func(args []string) error {
		return Touch(filepath.Join(h.Paths.Mapper, args[1]))
	})(args)
}

func (h *Host) dmsetup(args []string) (runner.Result, error) {
	if status := h.Fail["dmsetup "+args[0]]; status != 0 {
		return runner.Result{Status: status, Output: []byte("device busy")}, nil
	}
	switch args[0] {
	case "remove":
		if err := os.Remove(filepath.Join(h.Paths.Mapper, args[1])); err != nil {
			return runner.Result{Status: 1, Output: []byte(err.Error())}, nil
		}
	case "table":
		return runner.Result{Output: []byte(CacheTable(args[1], h.nextDirty()))}, nil
	}
	return runner.Result{}, nil
}

func (h *Host) nextDirty() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Dirty) == 0 {
		return 0
	}
	d := h.Dirty[0]
	if len(h.Dirty) > 1 {
		h.Dirty = h.Dirty[1:]
	}
	return d
}

// CacheTable renders a flashcache device mapper table.
func CacheTable(name string, dirty uint64) string {
	return fmt.Sprintf(`0 20971520 flashcache conf:
	ssd dev (/dev/vg0/%s), disk dev (/dev/nbd0) cache mode(WRITE_BACK)
	capacity(10238M), associativity(512), data block size(4K) metadata block size(4096b)
	skip sequential thresh(0K)
	total blocks(2620928), cached blocks(1024), cache percent(0)
	dirty blocks(%d), dirty percent(0)
	nr_queued(0)
Size Hist: 4096:1024
`, name, dirty)
}

// Conn is a hypervisor holding a set of running domains.
type Conn struct {
	mu sync.Mutex
	// Domains maps running domain names to true.
	Domains map[string]bool
	// Appear lists domains that start running after that many Running calls.
	Appear     map[string]int
	Err        error
	MigrateErr error
	Migrated   []string
	Closed     bool
	calls      int
}

// NewConn returns a Conn running domains.
func NewConn(domains ...string) *Conn {
	c := &Conn{Domains: map[string]bool{}, Appear: map[string]int{}}
	for _, d := range domains {
		c.Domains[d] = true
	}
	return c
}

// Running implements virt.Conn.
func (c *Conn) Running(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, c.Err
	}
	c.calls++
	if n, ok := c.Appear[name]; ok && c.calls > n {
		c.Domains[name] = true
	}
	return c.Domains[name], nil
}

// Migrate implements virt.Conn.
func (c *Conn) Migrate(name, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MigrateErr != nil {
		return c.MigrateErr
	}
	delete(c.Domains, name)
	c.Migrated = append(c.Migrated, name+"->"+dest)
	return nil
}

// Close implements virt.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.Closed = true
	c.mu.Unlock()
	return nil
}

var _ virt.Conn = &Conn{}

// Clock is a fake clock advanced by its Sleep.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	Slept  []time.Duration
	Cancel context.CancelFunc
	// CancelAfter cancels after that many sleeps, when Cancel is set.
	CancelAfter int
}

// NewClock returns a Clock set at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2015, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the clock's time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d without waiting.
func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.Slept = append(c.Slept, d)
	n := len(c.Slept)
	c.mu.Unlock()

	if c.Cancel != nil && n >= c.CancelAfter {
		c.Cancel()
	}
	return ctx.Err()
}

// Prompter answers every question with Answer.
type Prompter struct {
	Answer    bool
	Questions []string
}

// Confirm implements flashnbd.Prompter.
func (p *Prompter) Confirm(question string) (bool, error) {
	p.Questions = append(p.Questions, question)
	return p.Answer, nil
}
