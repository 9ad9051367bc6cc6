// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Deploy publishes the site to one or more hosts.

For each host it makes sure the site directory exists, clones the repository
into it (or fetches updates if it's already there), resets the checkout to the
commit HEAD points to locally and builds the site. Deploying the same commit
twice is safe.

# Usage

	$ go tool deploy [flags] [host...]

Hosts are taken from the arguments. If there are none, hosts listed in the
deployfile are used, and if it lists none too, the comma-separated
DEPLOY_HOSTS environment variable.

Hosts are deployed to one after another. The first failure stops the
deployment and the tool exits with a non-zero status.

# Deployfile

Settings are read from deploy.star at the repository root, a Starlark file:

	repo = "https://github.com/alamastor/elm-tetris"
	site_dir = "~/sites/{host}"
	build = "elm-make src/Main.elm --output=build/index.html"
	hosts = [
	    "tetris.example.com",
	    host("staging.example.com", user = "deploy", port = 2222),
	]

If repo is not set, the URL of the origin remote is used.

# Connecting to hosts

Commands run over SSH. Host names can be aliases from ~/.ssh/config, which
is consulted for HostName, User, Port and IdentityFile. Keys are taken from
ssh-agent and the -i flag, and host keys are checked against
~/.ssh/known_hosts.

With -local, commands run on this machine instead. With -dry-run, they are
only printed.

# Watch mode

With -watch, the tool keeps running after the first deployment and deploys
again each time HEAD moves to a new commit, for example after git commit or
git pull.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/base/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
