package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/semmidev/dbrefresh/internal/config"
	"github.com/semmidev/dbrefresh/internal/domain"
)

type Logger interface {
	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
}

// PostgreSQL runs pg_restore and psql as child processes.
type PostgreSQL struct {
	tool        string
	pingTool    string
	jobs        int
	timeout     time.Duration
	pingTimeout time.Duration
	logger      Logger
}

// DefaultPingTimeout bounds the preflight check when none is configured.
const DefaultPingTimeout = 30 * time.Second

func NewPostgreSQL(cfg config.RestoreConfig, logger Logger) *PostgreSQL {
	p := &PostgreSQL{
		tool:        cfg.Tool,
		pingTool:    cfg.PingTool,
		jobs:        cfg.Jobs,
		timeout:     cfg.Timeout,
		pingTimeout: cfg.PreflightTimeout,
		logger:      logger,
	}
	if p.tool == "" {
		p.tool = "pg_restore"
	}
	if p.pingTool == "" {
		p.pingTool = "psql"
	}
	if p.jobs < 1 {
		p.jobs = 2
	}
	if p.pingTimeout <= 0 {
		p.pingTimeout = DefaultPingTimeout
	}
	return p
}

func (p *PostgreSQL) GetType() string {
	return "postgresql"
}

// RestoreArgs is the pg_restore argument vector for target.
func (p *PostgreSQL) RestoreArgs(target domain.RestoreTarget) []string {
	args := []string{fmt.Sprintf("--host=%s", target.Host)}
	if target.Port > 0 {
		args = append(args, fmt.Sprintf("--port=%d", target.Port))
	}
	return append(args,
		fmt.Sprintf("--username=%s", target.User),
		"--no-password",
		fmt.Sprintf("--jobs=%d", p.jobs),
		"--no-owner",
		"--format=directory",
		fmt.Sprintf("--dbname=%s", target.Database),
		target.SourcePath,
	)
}

// Restore loads the directory-format dump at target.SourcePath. A non-zero
// exit is reported through the result; only a failure to run the tool at all
// is returned as an error.
func (p *PostgreSQL) Restore(ctx context.Context, target domain.RestoreTarget) (domain.CommandResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.tool, p.RestoreArgs(target)...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", target.Password))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Infof("Restoring %s into %s with %s (jobs=%d)", target.SourcePath, target, p.tool, p.jobs)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return domain.CommandResult{ExitCode: -1}, fmt.Errorf("%w: failed to start %s: %v", domain.ErrRestore, p.tool, err)
	}
	waitErr := cmd.Wait()

	result := domain.CommandResult{
		Stdout: domain.SplitLines(stdout.String()),
		Stderr: domain.SplitLines(stderr.String()),
	}
	for _, line := range result.Stderr {
		p.logger.Debugf("%s: %s", p.tool, line)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %s interrupted: %w", domain.ErrRestore, p.tool, ctx.Err())
	case errors.As(waitErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %s: %v", domain.ErrRestore, p.tool, waitErr)
	}

	if result.Success() {
		p.logger.Infof("Restore of %s finished in %s", target.Database, time.Since(start).Round(time.Second))
	} else {
		p.logger.Warnf("%s exited with code %d: %s", p.tool, result.ExitCode, result.Tail(5))
	}
	return result, nil
}

// Ping checks that the target database accepts connections within the
// preflight timeout.
func (p *PostgreSQL) Ping(ctx context.Context, target domain.RestoreTarget) error {
	ctx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()

	args := []string{fmt.Sprintf("--host=%s", target.Host)}
	if target.Port > 0 {
		args = append(args, fmt.Sprintf("--port=%d", target.Port))
	}
	args = append(args,
		fmt.Sprintf("--username=%s", target.User),
		fmt.Sprintf("--dbname=%s", target.Database),
		"--no-password",
		"-c", "SELECT 1",
	)

	cmd := exec.CommandContext(ctx, p.pingTool, args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", target.Password))

	output, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return fmt.Errorf("%w: postgresql ping timed out: %w", domain.ErrRestore, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("%w: postgresql ping failed: %v: %s", domain.ErrRestore, err, strings.TrimSpace(string(output)))
	}
	return nil
}
