// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package remote runs shell commands on deployment hosts.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Runner runs shell commands on a host.
type Runner interface {
	// Run runs cmd with the host's shell and returns its standard output.
	// If cmd ran but exited with a non-zero status, the error is an
	// *ExitError.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// Put replaces the contents of the file at path with data.
	Put(ctx context.Context, path string, data []byte) error
	// Close releases resources held by the Runner.
	Close() error
}

// ExitError is returned by a Runner when a command exits with a non-zero
// status.
type ExitError struct {
	Cmd    string
	Status int
	Stderr []byte
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Cmd, e.Status)
	if stderr := strings.TrimSpace(string(e.Stderr)); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Exists reports whether path exists on the host.
func Exists(ctx context.Context, r Runner, path string) (bool, error) {
	_, err := r.Run(ctx, "test -e "+Quote(path))
	if err == nil {
		return true, nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Status == 1 {
		return false, nil
	}
	return false, err
}

// Quote quotes s for a POSIX shell. A leading "~/" (or a bare "~") is left
// outside the quotes so the shell still expands it to the home directory.
func Quote(s string) string {
	if s == "~" {
		return s
	}
	if rest, ok := strings.CutPrefix(s, "~/"); ok {
		if rest == "" {
			return "~/"
		}
		return "~/" + quote(rest)
	}
	return quote(s)
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./:@%+=,", r)
}
