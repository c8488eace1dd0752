package runner_test

import (
	"context"
	"testing"

	"github.com/mistifyio/flashnbd/pkg/runner"
	"github.com/stretchr/testify/suite"
)

func TestRunner(t *testing.T) {
	suite.Run(t, new(RunnerSuite))
}

type RunnerSuite struct {
	suite.Suite
}

func (s *RunnerSuite) TestLocal() {
	tests := []struct {
		description string
		args        []string
		status      int
		output      string
	}{
		{"success", []string{"-c", "echo -n hello"}, 0, "hello"},
		{"failure status", []string{"-c", "echo -n oops >&2; exit 3"}, 3, "oops"},
	}

	for _, test := range tests {
		res, err := runner.Local{}.Run(context.Background(), "sh", test.args...)
		s.NoError(err, test.description)
		s.Equal(test.status, res.Status, test.description)
		s.Equal(test.output, string(res.Output), test.description)
	}
}

func (s *RunnerSuite) TestLocalMissingCommand() {
	_, err := runner.Local{}.Run(context.Background(), "/nonexistent/flashnbd-test-binary")
	s.Error(err)
}

func (s *RunnerSuite) TestCheck() {
	_, err := runner.Check(context.Background(), runner.Local{}, "sh", "-c", "exit 0")
	s.NoError(err)

	_, err = runner.Check(context.Background(), runner.Local{}, "sh", "-c", "echo bad; exit 2")
	s.Require().Error(err)
	statusErr, ok := err.(*runner.StatusError)
	s.Require().True(ok)
	s.Equal(2, statusErr.Status)
	s.Contains(statusErr.Error(), "bad")
}
