// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Package deploy pushes a site build to a host.

A deployment makes the site directory on the host, brings the git checkout
there to the local HEAD commit and runs the build command in it:

	test -e DIR || mkdir -p DIR
	test -e DIR/.git && (cd DIR && git fetch) || git clone REPO DIR
	cd DIR && git reset --hard COMMIT
	test -e DIR/build || (cd DIR && mkdir build)
	cd DIR && BUILD

Every step checks before it changes anything, so deploying the same commit
again leaves the host as it was. The first failing command stops the
deployment. There are no retries and nothing is rolled back.
*/
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"regexp"
	"strings"

	"go.astrophena.name/sitedeploy/internal/logger"
	"go.astrophena.name/sitedeploy/internal/remote"
)

// Possible errors, used in tests.
var (
	errMissingParam   = errors.New("missing required parameter (host, dir, repo, commit, build)")
	errInvalidCommit  = errors.New("invalid commit hash")
	errCommitMismatch = errors.New("remote HEAD doesn't match the deployed commit")
)

// Config represents a deployment to a single host.
type Config struct {
	// Host is the name of the host, used in logs and errors.
	Host string
	// Dir is the site directory on the host.
	Dir string
	// Repo is the URL of the git repository cloned into Dir.
	Repo string
	// Commit is the full hash the checkout is reset to.
	Commit string
	// Build is the build command, run in Dir.
	Build string
	// BuildDir is the build output directory, relative to Dir. If empty,
	// "build" is used.
	BuildDir string
	// Output is the build artifact, relative to Dir. If empty,
	// "build/index.html" is used.
	Output string
	// Minify determines if the artifact is minified after the build.
	Minify bool
	// Verify determines if the artifact is checked to be a HTML document.
	Verify bool
	// Logf is a logger to use. If nil, log.Printf is used.
	Logf logger.Logf
}

func (c *Config) setDefaults() {
	if c.BuildDir == "" {
		c.BuildDir = "build"
	}
	if c.Output == "" {
		c.Output = "build/index.html"
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
}

var commitRe = regexp.MustCompile(`^[0-9a-f]{40}([0-9a-f]{24})?$`)

func (c *Config) validate() error {
	if c.Host == "" || c.Dir == "" || c.Repo == "" || c.Commit == "" || strings.TrimSpace(c.Build) == "" {
		return errMissingParam
	}
	if !commitRe.MatchString(c.Commit) {
		return fmt.Errorf("%w: %q", errInvalidCommit, c.Commit)
	}
	return nil
}

// Result describes a finished deployment.
type Result struct {
	// Host is the host deployed to.
	Host string
	// Dir is the site directory on the host.
	Dir string
	// Commit is the commit the host has checked out.
	Commit string
	// Created is true if the site directory didn't exist before.
	Created bool
	// Cloned is true if the repository was cloned rather than fetched.
	Cloned bool
	// Size is the size of the artifact in bytes, if it was read back.
	Size int
	// Title is the title of the artifact, if it was verified.
	Title string
}

type deployment struct {
	c   *Config
	r   remote.Runner
	res *Result
}

// Deploy deploys c.Commit to the host r runs commands on.
func Deploy(ctx context.Context, r remote.Runner, c *Config) (*Result, error) {
	c.setDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	d := &deployment{
		c:   c,
		r:   r,
		res: &Result{Host: c.Host, Dir: c.Dir},
	}

	steps := []struct {
		name string
		run  func(context.Context) error
		skip bool
	}{
		{name: "mkdir", run: d.mkdir},
		{name: "update source", run: d.updateSource},
		{name: "check commit", run: d.checkCommit},
		{name: "make", run: d.make},
		{name: "minify", run: d.minify, skip: !c.Minify},
		{name: "verify", run: d.verify, skip: !c.Verify},
	}
	for _, s := range steps {
		if s.skip {
			continue
		}
		if err := s.run(ctx); err != nil {
			return d.res, fmt.Errorf("%s: %s: %w", c.Host, s.name, err)
		}
	}

	c.Logf("Deployed %s to %s:%s.", shortHash(c.Commit), c.Host, c.Dir)
	return d.res, nil
}

func (d *deployment) run(ctx context.Context, cmd string) ([]byte, error) {
	return d.r.Run(ctx, cmd)
}

// inDir returns cmd prefixed with a change to the site directory.
func (d *deployment) inDir(cmd string) string {
	return "cd " + remote.Quote(d.c.Dir) + " && " + cmd
}

func (d *deployment) path(elem ...string) string {
	return path.Join(append([]string{d.c.Dir}, elem...)...)
}

func (d *deployment) mkdir(ctx context.Context) error {
	exists, err := remote.Exists(ctx, d.r, d.c.Dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	d.c.Logf("Creating %s on %s.", d.c.Dir, d.c.Host)
	if _, err := d.run(ctx, "mkdir -p "+remote.Quote(d.c.Dir)); err != nil {
		return err
	}
	d.res.Created = true
	return nil
}

func (d *deployment) updateSource(ctx context.Context) error {
	hasGit, err := remote.Exists(ctx, d.r, d.path(".git"))
	if err != nil {
		return err
	}
	if hasGit {
		d.c.Logf("Fetching updates on %s.", d.c.Host)
		if _, err := d.run(ctx, d.inDir("git fetch")); err != nil {
			return err
		}
	} else {
		d.c.Logf("Cloning %s on %s.", d.c.Repo, d.c.Host)
		if _, err := d.run(ctx, "git clone "+remote.Quote(d.c.Repo)+" "+remote.Quote(d.c.Dir)); err != nil {
			return err
		}
		d.res.Cloned = true
	}

	d.c.Logf("Resetting %s to %s.", d.c.Host, shortHash(d.c.Commit))
	_, err = d.run(ctx, d.inDir("git reset --hard "+d.c.Commit))
	return err
}

func (d *deployment) checkCommit(ctx context.Context) error {
	out, err := d.run(ctx, d.inDir("git rev-parse HEAD"))
	if err != nil {
		return err
	}
	got := strings.TrimSpace(string(out))
	if got != d.c.Commit {
		return fmt.Errorf("%w: want %s, got %q", errCommitMismatch, d.c.Commit, got)
	}
	d.res.Commit = got
	return nil
}

func (d *deployment) make(ctx context.Context) error {
	exists, err := remote.Exists(ctx, d.r, d.path(d.c.BuildDir))
	if err != nil {
		return err
	}
	if !exists {
		if _, err := d.run(ctx, d.inDir("mkdir "+remote.Quote(d.c.BuildDir))); err != nil {
			return err
		}
	}
	d.c.Logf("Building on %s.", d.c.Host)
	_, err = d.run(ctx, d.inDir(d.c.Build))
	return err
}

// readOutput returns the contents of the build artifact.
func (d *deployment) readOutput(ctx context.Context) ([]byte, error) {
	b, err := d.run(ctx, "cat "+remote.Quote(d.path(d.c.Output)))
	if err != nil {
		return nil, err
	}
	d.res.Size = len(b)
	return b, nil
}

func shortHash(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
