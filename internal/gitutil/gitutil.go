// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gitutil inspects the local git repository that is being deployed.
package gitutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

// Possible errors, used in tests.
var (
	errNoOrigin = errors.New("repository has no origin remote")
	errNoGitDir = errors.New("repository has no .git directory")
)

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}
	return repo, nil
}

// Head returns the full hash of the commit HEAD points to in the repository
// containing dir.
func Head(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// OriginURL returns the first URL of the origin remote of the repository
// containing dir.
func OriginURL(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	remote, err := repo.Remote("origin")
	if errors.Is(err, git.ErrRemoteNotFound) {
		return "", errNoOrigin
	}
	if err != nil {
		return "", err
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", errNoOrigin
	}
	return urls[0], nil
}

// Root returns the top directory of the work tree containing dir.
func Root(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", err
	}
	return wt.Filesystem.Root(), nil
}

// GitDir returns the .git directory of the work tree containing dir.
func GitDir(dir string) (string, error) {
	root, err := Root(dir)
	if err != nil {
		return "", err
	}
	gitDir := filepath.Join(root, ".git")
	fi, err := os.Stat(gitDir)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s: %w", gitDir, errNoGitDir)
	}
	return gitDir, nil
}
