// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Package deployfile loads deployment settings from a Starlark file.

# Format

A deployfile is a Starlark program. After it runs, the following globals are
read:

	repo       URL of the git repository cloned on hosts. If empty, the
	           origin remote of the local repository is used.
	hosts      List of hosts to deploy to. Each element is a string or the
	           result of host().
	site_dir   Remote site directory. "{host}" is replaced with the host
	           name. Defaults to "~/sites/{host}".
	build      Build command run inside the site directory. Defaults to
	           "elm-make src/Main.elm --output=build/index.html". Can't be
	           empty.
	build_dir  Build output directory, relative to the site directory.
	           Defaults to "build".
	output     Build artifact, relative to the site directory. Defaults to
	           "build/index.html".
	minify     Whether to minify the artifact after the build.
	verify     Whether to check that the artifact is a HTML document.

Every global is optional except hosts, which may instead come from the
command line.

# Builtins

	host(name, user="", port=0, site_dir="")  Declares a host with
	                                           connection overrides.
	getenv(name, default="")                  Returns an environment
	                                           variable.

# Example

	repo = "https://github.com/alamastor/elm-tetris"
	hosts = [
	    "tetris.example.com",
	    host("staging.example.com", user = "deploy", port = 2222),
	]
*/
package deployfile

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"go.astrophena.name/sitedeploy/internal/logger"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Defaults for omitted settings.
const (
	DefaultSiteDir  = "~/sites/{host}"
	DefaultBuild    = "elm-make src/Main.elm --output=build/index.html"
	DefaultBuildDir = "build"
	DefaultOutput   = "build/index.html"
)

// Possible errors, used in tests.
var (
	errWrongType     = errors.New("wrong type")
	errEmptyHostName = errors.New("empty host name")
	errDuplicateHost = errors.New("duplicate host")
	errEmptyBuild    = errors.New("build command is empty")
)

// File is a loaded deployfile.
type File struct {
	Repo     string
	SiteDir  string
	Build    string
	BuildDir string
	Output   string
	Minify   bool
	Verify   bool
	Hosts    []Host
}

// Host is a deployment target.
type Host struct {
	// Name identifies the host. It is used to connect (possibly through an
	// ~/.ssh/config alias) and replaces "{host}" in the site directory.
	Name string
	// User overrides the SSH user.
	User string
	// Port overrides the SSH port.
	Port int
	// SiteDir overrides the site directory template of the deployfile.
	SiteDir string
}

// Options configure loading.
type Options struct {
	// Getenv is used by the getenv builtin. If nil, os.Getenv is used.
	Getenv func(string) string
	// Logf receives output of print. If nil, log.Printf is used.
	Logf logger.Logf
}

func (o *Options) setDefaults() {
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// Load reads and runs the deployfile at path.
func Load(path string, opts *Options) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, src, opts)
}

// Parse runs the deployfile source src. The filename is used in error
// messages.
func Parse(filename string, src []byte, opts *Options) (*File, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.setDefaults()

	thread := &starlark.Thread{
		Name:  "deployfile",
		Print: func(_ *starlark.Thread, msg string) { opts.Logf("%s: %s", filename, msg) },
	}
	predeclared := starlark.StringDict{
		"host":   starlark.NewBuiltin("host", hostBuiltin),
		"getenv": starlark.NewBuiltin("getenv", getenvBuiltin(opts.Getenv)),
	}

	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
		},
		thread,
		filename,
		src,
		predeclared,
	)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return nil, errors.New(evalErr.Backtrace())
		}
		return nil, err
	}

	f := &File{
		SiteDir:  DefaultSiteDir,
		Build:    DefaultBuild,
		BuildDir: DefaultBuildDir,
		Output:   DefaultOutput,
	}
	for _, s := range []struct {
		name string
		dst  *string
	}{
		{"repo", &f.Repo},
		{"site_dir", &f.SiteDir},
		{"build", &f.Build},
		{"build_dir", &f.BuildDir},
		{"output", &f.Output},
	} {
		if err := getString(globals, s.name, s.dst); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	if strings.TrimSpace(f.Build) == "" {
		return nil, fmt.Errorf("%s: %w", filename, errEmptyBuild)
	}
	for _, b := range []struct {
		name string
		dst  *bool
	}{
		{"minify", &f.Minify},
		{"verify", &f.Verify},
	} {
		if err := getBool(globals, b.name, b.dst); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	}
	if f.Hosts, err = getHosts(globals); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	return f, nil
}

func getString(globals starlark.StringDict, name string, dst *string) error {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return nil
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return fmt.Errorf("%w: %s must be a string, got %s", errWrongType, name, v.Type())
	}
	*dst = s
	return nil
}

func getBool(globals starlark.StringDict, name string, dst *bool) error {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return nil
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return fmt.Errorf("%w: %s must be a bool, got %s", errWrongType, name, v.Type())
	}
	*dst = bool(b)
	return nil
}

func getHosts(globals starlark.StringDict) ([]Host, error) {
	v, ok := globals["hosts"]
	if !ok || v == starlark.None {
		return nil, nil
	}
	var iterable starlark.Iterable
	switch v := v.(type) {
	case *starlark.List:
		iterable = v
	case starlark.Tuple:
		iterable = v
	default:
		return nil, fmt.Errorf("%w: hosts must be a list, got %s", errWrongType, v.Type())
	}

	var (
		hosts []Host
		seen  = make(map[string]bool)
		elem  starlark.Value
	)
	iter := iterable.Iterate()
	defer iter.Done()
	for i := 0; iter.Next(&elem); i++ {
		h, err := toHost(elem)
		if err != nil {
			return nil, fmt.Errorf("hosts[%d]: %w", i, err)
		}
		if seen[h.Name] {
			return nil, fmt.Errorf("hosts[%d]: %w %q", i, errDuplicateHost, h.Name)
		}
		seen[h.Name] = true
		hosts = append(hosts, h)
	}
	return hosts, nil
}

const hostStructName = "host"

func toHost(v starlark.Value) (Host, error) {
	if s, ok := starlark.AsString(v); ok {
		if strings.TrimSpace(s) == "" {
			return Host{}, errEmptyHostName
		}
		return Host{Name: s}, nil
	}

	st, ok := v.(*starlarkstruct.Struct)
	if !ok || st.Constructor() != starlark.String(hostStructName) {
		return Host{}, fmt.Errorf("%w: want a string or host(), got %s", errWrongType, v.Type())
	}

	var h Host
	for _, a := range []struct {
		name string
		dst  any
	}{
		{"name", &h.Name},
		{"user", &h.User},
		{"port", &h.Port},
		{"site_dir", &h.SiteDir},
	} {
		av, err := st.Attr(a.name)
		if err != nil {
			return Host{}, err
		}
		switch dst := a.dst.(type) {
		case *string:
			*dst, _ = starlark.AsString(av)
		case *int:
			if err := starlark.AsInt(av, dst); err != nil {
				return Host{}, err
			}
		}
	}
	return h, nil
}

func hostBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name, user, siteDir string
		port                int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"user?", &user,
		"port?", &port,
		"site_dir?", &siteDir,
	); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%s: %w", b.Name(), errEmptyHostName)
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%s: port %d out of range", b.Name(), port)
	}
	return starlarkstruct.FromStringDict(starlark.String(hostStructName), starlark.StringDict{
		"name":     starlark.String(name),
		"user":     starlark.String(user),
		"port":     starlark.MakeInt(port),
		"site_dir": starlark.String(siteDir),
	}), nil
}

func getenvBuiltin(getenv func(string) string) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name, def string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
			return nil, err
		}
		if v := getenv(name); v != "" {
			return starlark.String(v), nil
		}
		return starlark.String(def), nil
	}
}

// Select returns the hosts named in names, in that order. Names that are not
// declared in the deployfile become hosts without overrides. If names is
// empty, all declared hosts are returned.
func (f *File) Select(names []string) []Host {
	if len(names) == 0 {
		return f.Hosts
	}
	hosts := make([]Host, 0, len(names))
	for _, name := range names {
		h, ok := f.Host(name)
		if !ok {
			h = Host{Name: name}
		}
		hosts = append(hosts, h)
	}
	return hosts
}

// Host returns the declared host with the given name.
func (f *File) Host(name string) (Host, bool) {
	for _, h := range f.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// Dir returns the remote site directory for h.
func (f *File) Dir(h Host) string {
	tmpl := f.SiteDir
	if h.SiteDir != "" {
		tmpl = h.SiteDir
	}
	if tmpl == "" {
		tmpl = DefaultSiteDir
	}
	return strings.ReplaceAll(tmpl, "{host}", h.Name)
}
