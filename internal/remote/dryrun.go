// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package remote

import (
	"context"
	"log"
	"strings"

	"go.astrophena.name/sitedeploy/internal/logger"
)

// DryRun logs commands instead of running them. Every "test -e" check
// fails, so a dry run shows what a deploy to a fresh host would do.
type DryRun struct {
	// Host is included in every logged line.
	Host string
	// Logf is a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
	// Output is returned from every command other than checks.
	Output []byte
}

// Run implements [Runner].
func (d *DryRun) Run(ctx context.Context, cmd string) ([]byte, error) {
	d.logf("$ %s", cmd)
	if strings.HasPrefix(cmd, "test -e ") {
		return nil, &ExitError{Cmd: cmd, Status: 1}
	}
	return d.Output, nil
}

// Put implements [Runner].
func (d *DryRun) Put(ctx context.Context, path string, data []byte) error {
	d.logf("write %d bytes to %s", len(data), path)
	return nil
}

// Close implements [Runner].
func (d *DryRun) Close() error { return nil }

func (d *DryRun) logf(format string, args ...any) {
	if d.Logf == nil {
		d.Logf = log.Printf
	}
	d.Logf.WithPrefix("["+d.Host+"] ")(format, args...)
}
