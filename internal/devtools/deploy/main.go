// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"go.astrophena.name/base/cli"
	"go.astrophena.name/base/logger"
	"go.astrophena.name/sitedeploy/internal/deploy"
	"go.astrophena.name/sitedeploy/internal/deployfile"
	"go.astrophena.name/sitedeploy/internal/gitutil"
	"go.astrophena.name/sitedeploy/internal/remote"
	"go.astrophena.name/sitedeploy/internal/watch"
)

func main() { cli.Main(new(app)) }

type app struct {
	file       string
	dryRun     bool
	watch      bool
	local      bool
	knownHosts string
	identity   string

	// initialized by Run
	getenv func(string) string
	repo   string
	df     *deployfile.File
	hosts  []deployfile.Host
}

func (a *app) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.file, "f", "deploy.star", "Read deployment settings from `file`, relative to the repository root.")
	fs.BoolVar(&a.dryRun, "dry-run", false, "Print commands instead of running them.")
	fs.BoolVar(&a.watch, "watch", false, "Keep running and deploy each new commit.")
	fs.BoolVar(&a.local, "local", false, "Run commands on this machine instead of connecting over SSH.")
	fs.StringVar(&a.knownHosts, "known-hosts", "", "Check host keys against `file` (default ~/.ssh/known_hosts).")
	fs.StringVar(&a.identity, "i", "", "Authenticate with the private key in `file` in addition to ssh-agent.")
}

func (a *app) Run(ctx context.Context) error {
	env := cli.GetEnv(ctx)
	a.getenv = env.Getenv

	root, err := gitutil.Root(".")
	if err != nil {
		return err
	}

	path := a.file
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	a.df, err = deployfile.Load(path, &deployfile.Options{Getenv: env.Getenv})
	if err != nil {
		return err
	}

	a.repo = a.df.Repo
	if a.repo == "" {
		a.repo, err = gitutil.OriginURL(root)
		if err != nil {
			return fmt.Errorf("repo isn't set in %s and can't be guessed: %w", a.file, err)
		}
	}

	a.hosts, err = selectHosts(a.df, env.Args, env.Getenv("DEPLOY_HOSTS"))
	if err != nil {
		return err
	}

	commit, err := gitutil.Head(root)
	if err != nil {
		return err
	}
	if err := a.deployAll(ctx, commit); err != nil {
		return err
	}

	if !a.watch {
		return nil
	}
	return watch.Run(ctx, root, a.deployAll)
}

// selectHosts picks the hosts to deploy to: the ones named on the command
// line, or else the ones listed in the deployfile, or else the ones in the
// comma-separated list from the environment.
func selectHosts(f *deployfile.File, args []string, fromEnv string) ([]deployfile.Host, error) {
	if len(args) > 0 {
		return f.Select(args), nil
	}
	if len(f.Hosts) > 0 {
		return f.Hosts, nil
	}
	var names []string
	for name := range strings.SplitSeq(fromEnv, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no hosts to deploy to (pass them as arguments, list them in the deployfile or set DEPLOY_HOSTS)", cli.ErrInvalidArgs)
	}
	return f.Select(names), nil
}

// deployAll deploys commit to every selected host in order and stops at the
// first failure.
func (a *app) deployAll(ctx context.Context, commit string) error {
	for _, h := range a.hosts {
		if err := a.deployHost(ctx, h, commit); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) deployHost(ctx context.Context, h deployfile.Host, commit string) error {
	r, err := a.runner(ctx, h, commit)
	if err != nil {
		return fmt.Errorf("%s: %w", h.Name, err)
	}
	defer r.Close()

	res, err := deploy.Deploy(ctx, r, &deploy.Config{
		Host:     h.Name,
		Dir:      a.df.Dir(h),
		Repo:     a.repo,
		Commit:   commit,
		Build:    a.df.Build,
		BuildDir: a.df.BuildDir,
		Output:   a.df.Output,
		Minify:   a.df.Minify,
		Verify:   a.df.Verify,
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "deployed",
		slog.String("host", res.Host),
		slog.String("dir", res.Dir),
		slog.String("commit", res.Commit),
		slog.Bool("created", res.Created),
		slog.Bool("cloned", res.Cloned),
		slog.Int("size", res.Size),
		slog.String("title", res.Title),
	)
	return nil
}

func (a *app) runner(ctx context.Context, h deployfile.Host, commit string) (remote.Runner, error) {
	switch {
	case a.dryRun:
		// Pretend that the reset worked, so the rest of the deployment is
		// printed too.
		return &remote.DryRun{Host: h.Name, Output: []byte(commit + "\n")}, nil
	case a.local:
		return &remote.Local{}, nil
	}

	c := &remote.SSHConfig{
		Host:       h.Name,
		User:       h.User,
		Port:       h.Port,
		KnownHosts: a.knownHosts,
		Getenv:     a.getenv,
	}
	if a.identity != "" {
		c.IdentityFiles = []string{a.identity}
	}
	return remote.Dial(ctx, c)
}
