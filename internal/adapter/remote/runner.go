package remote

import (
	"context"
	"time"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// CommandRunner executes opaque shell commands on the backup host.
type CommandRunner struct {
	timeout time.Duration
	logger  Logger
}

// NewCommandRunner bounds every command by timeout; zero disables the bound.
func NewCommandRunner(timeout time.Duration, logger Logger) *CommandRunner {
	return &CommandRunner{timeout: timeout, logger: logger}
}

func (r *CommandRunner) Run(ctx context.Context, shell domain.Shell, command string) (domain.CommandResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.Debugf("Executing remote command: %s", command)
	start := time.Now()

	result, err := shell.Exec(ctx, command)
	if err != nil {
		return result, err
	}

	for _, line := range result.Stdout {
		r.logger.Debugf("remote stdout: %s", line)
	}
	for _, line := range result.Stderr {
		r.logger.Debugf("remote stderr: %s", line)
	}
	r.logger.Infof("Remote command exited with %d in %s", result.ExitCode, time.Since(start).Round(time.Millisecond))

	return result, nil
}
