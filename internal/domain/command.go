package domain

import (
	"net"
	"strconv"
	"strings"
)

// CommandResult is the uniform outcome of a remote command or a restore run.
type CommandResult struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
}

func (r CommandResult) Success() bool {
	return r.ExitCode == 0
}

// Tail returns up to n trailing stderr lines, falling back to stdout.
func (r CommandResult) Tail(n int) string {
	lines := r.Stderr
	if len(lines) == 0 {
		lines = r.Stdout
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// SplitLines splits captured output into lines, dropping a trailing newline.
func SplitLines(out string) []string {
	out = strings.TrimRight(out, "\r\n")
	if out == "" {
		return nil
	}
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
