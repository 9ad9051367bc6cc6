// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package remote

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// waitDelay bounds how long Run waits for output of a canceled command.
// Children of sh may keep its stdout open after sh itself is killed.
var waitDelay = time.Second

// Local runs commands on this machine with sh.
type Local struct {
	// Home, if set, is used as HOME for commands, so "~" expands to it.
	Home string
	// Env is appended to the environment of every command.
	Env []string
}

// Run implements [Runner].
func (l *Local) Run(ctx context.Context, cmd string) ([]byte, error) {
	return l.run(ctx, cmd, nil)
}

// Put implements [Runner].
func (l *Local) Put(ctx context.Context, path string, data []byte) error {
	_, err := l.run(ctx, "cat > "+Quote(path), data)
	return err
}

// Close implements [Runner].
func (l *Local) Close() error { return nil }

func (l *Local) run(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.WaitDelay = waitDelay
	c.Env = os.Environ()
	if l.Home != "" {
		c.Env = append(c.Env, "HOME="+l.Home)
	}
	c.Env = append(c.Env, l.Env...)
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{
				Cmd:    cmd,
				Status: exitErr.ExitCode(),
				Stderr: stderr.Bytes(),
			}
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}
