package deferer_test

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/flashnbd/pkg/deferer"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"
)

// exited replaces os.Exit in the logger so the flow after an exit can be
// recovered in the test.
type exited int

type DefererSuite struct {
	suite.Suite
	Hook *test.Hook
}

func TestDeferer(t *testing.T) {
	suite.Run(t, new(DefererSuite))
}

func (s *DefererSuite) SetupTest() {
	s.Hook = test.NewGlobal()
	log.StandardLogger().ExitFunc = func(code int) { panic(exited(code)) }
}

func (s *DefererSuite) TearDownTest() {
	log.StandardLogger().ExitFunc = nil
	s.Hook.Reset()
}

func (s *DefererSuite) exit(f func()) (code exited) {
	defer func() {
		r := recover()
		s.Require().NotNil(r, "should exit")
		code = r.(exited)
	}()
	f()
	return -1
}

func (s *DefererSuite) TestRunOrder() {
	results := []int{}
	add := func(i int) func() error {
		return func() error {
			results = append(results, i)
			return nil
		}
	}

	d := deferer.New()
	d.Defer("one", add(1))
	d.Defer("two", add(2))
	d.Defer("three", add(3))

	s.NoError(d.Run())
	s.NoError(d.Run(), "second run is a no-op")
	s.Equal([]int{3, 2, 1}, results)
}

func (s *DefererSuite) TestRunCollectsFailures() {
	d := deferer.New()
	d.Defer("store", func() error { return errors.New("store gone") })
	d.Defer("ok", func() error { return nil })
	d.Defer("hypervisor", func() error { return errors.New("socket closed") })

	err := d.Run()
	s.Error(err)
	merr, ok := err.(*multierror.Error)
	s.Require().True(ok)
	s.Len(merr.Errors, 2)
	s.Len(s.Hook.AllEntries(), 2, "each failure is logged")
	s.Equal("hypervisor", s.Hook.AllEntries()[0].Data["cleanup"])
}

func (s *DefererSuite) TestExit() {
	results := []string{}
	d := deferer.New()
	d.Defer("store", func() error {
		results = append(results, "store")
		return nil
	})
	d.Defer("hypervisor", func() error {
		results = append(results, "hypervisor")
		return nil
	})

	code := s.exit(func() { d.Exit(errors.New("no free nbd devices left"), "start failed", 3) })
	s.EqualValues(3, code)
	s.Equal([]string{"hypervisor", "store"}, results)
	s.NoError(d.Run(), "cleanups ran already")
	s.Len(results, 2)

	entry := s.Hook.LastEntry()
	s.Equal(log.ErrorLevel, entry.Level)
	s.Equal("start failed", entry.Message)
	s.EqualError(entry.Data["error"].(error), "no free nbd devices left")
	s.Equal(3, entry.Data["status"])
	s.Contains(entry.Data["caller"], "deferer_test.go:")
}
