// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package remote

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.astrophena.name/base/testutil"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const testSSHConfig = `
Host web
  HostName 192.0.2.10
  User deploy
  Port 2222
  IdentityFile ~/.ssh/web_ed25519

Host *.example.com
  User site
`

func TestSSHConfigResolve(t *testing.T) {
	cfg, err := ssh_config.DecodeBytes([]byte(testSSHConfig))
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"USER": "me", "HOME": "/home/me"}
	getenv := func(key string) string { return env[key] }

	cases := map[string]struct {
		c        *SSHConfig
		wantAddr string
		wantUser string
		wantIDs  []string
		wantErr  error
	}{
		"alias": {
			c:        &SSHConfig{Host: "web"},
			wantAddr: "192.0.2.10:2222",
			wantUser: "deploy",
			wantIDs:  []string{"/home/me/.ssh/web_ed25519"},
		},
		"alias with overrides": {
			c:        &SSHConfig{Host: "web", User: "root", Port: 22, IdentityFiles: []string{"/keys/a"}},
			wantAddr: "192.0.2.10:22",
			wantUser: "root",
			wantIDs:  []string{"/keys/a", "/home/me/.ssh/web_ed25519"},
		},
		"wildcard": {
			c:        &SSHConfig{Host: "blog.example.com"},
			wantAddr: "blog.example.com:22",
			wantUser: "site",
		},
		"unknown host": {
			c:        &SSHConfig{Host: "astrophena.name"},
			wantAddr: "astrophena.name:22",
			wantUser: "me",
		},
		"empty host": {
			c:       &SSHConfig{},
			wantErr: errNoHost,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tc.c.SSHConfig = cfg
			tc.c.Getenv = getenv
			e, err := tc.c.resolve()
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("want error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, e.addr, tc.wantAddr)
			testutil.AssertEqual(t, e.user, tc.wantUser)
			testutil.AssertEqual(t, e.identities, tc.wantIDs)
		})
	}
}

func TestExpandHome(t *testing.T) {
	testutil.AssertEqual(t, expandHome("~/.ssh/id", "/home/me"), "/home/me/.ssh/id")
	testutil.AssertEqual(t, expandHome("~", "/home/me"), "/home/me")
	testutil.AssertEqual(t, expandHome("/etc/key", "/home/me"), "/etc/key")
	testutil.AssertEqual(t, expandHome("~/.ssh/id", ""), "~/.ssh/id")
}

func TestDialNoAuth(t *testing.T) {
	c := &SSHConfig{
		Host:          "localhost",
		IdentityFiles: []string{filepath.Join(t.TempDir(), "missing")},
		SSHConfig:     &ssh_config.Config{},
		Getenv:        func(string) string { return "" },
	}
	if _, err := Dial(t.Context(), c); !errors.Is(err, errNoAuthMethods) {
		t.Fatalf("want %v, got %v", errNoAuthMethods, err)
	}
}

func TestSSHRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}

	dir := t.TempDir()
	keyPath, clientKey := writeClientKey(t, dir)
	addr, hostKey := startTestServer(t, clientKey)

	knownHostsPath := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, hostKey) + "\n"
	if err := os.WriteFile(knownHostsPath, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	portN, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}

	s, err := Dial(t.Context(), &SSHConfig{
		Host:          host,
		User:          "deploy",
		Port:          portN,
		IdentityFiles: []string{keyPath},
		KnownHosts:    knownHostsPath,
		SSHConfig:     &ssh_config.Config{},
		Getenv:        func(string) string { return "" },
		Timeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	out, err := s.Run(t.Context(), "echo hello")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(out), "hello\n")

	_, err = s.Run(t.Context(), "echo nope >&2; exit 4")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("want *ExitError, got %v", err)
	}
	testutil.AssertEqual(t, exitErr.Status, 4)
	testutil.AssertEqual(t, strings.TrimSpace(string(exitErr.Stderr)), "nope")

	target := filepath.Join(dir, "artifact.html")
	if err := s.Put(t.Context(), target, []byte("<html></html>")); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, string(b), "<html></html>")

	ok, err := Exists(t.Context(), s, target)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, ok, true)
	ok, err = Exists(t.Context(), s, target+".missing")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, ok, false)
}

func TestSSHUnknownHostKey(t *testing.T) {
	dir := t.TempDir()
	keyPath, clientKey := writeClientKey(t, dir)
	addr, _ := startTestServer(t, clientKey)

	// known_hosts lists a different key for the server.
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	other, err := ssh.NewSignerFromKey(otherPriv)
	if err != nil {
		t.Fatal(err)
	}
	knownHostsPath := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, other.PublicKey()) + "\n"
	if err := os.WriteFile(knownHostsPath, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}

	host, port, _ := net.SplitHostPort(addr)
	cfg, err := ssh_config.DecodeBytes([]byte("Host " + host + "\n  Port " + port + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Dial(t.Context(), &SSHConfig{
		Host:          host,
		User:          "deploy",
		IdentityFiles: []string{keyPath},
		KnownHosts:    knownHostsPath,
		SSHConfig:     cfg,
		Getenv:        func(string) string { return "" },
		Timeout:       5 * time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "key mismatch") {
		t.Fatalf("want host key mismatch, got %v", err)
	}
}

func writeClientKey(t *testing.T, dir string) (path string, pub ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path = filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return path, signer.PublicKey()
}

// startTestServer starts an SSH server on localhost that runs exec requests
// with sh and accepts only clientKey.
func startTestServer(t *testing.T, clientKey ssh.PublicKey) (addr string, hostKey ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(signer)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()

	return l.Addr().String(), signer.PublicKey()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		cmd := exec.Command("sh", "-c", payload.Command)
		cmd.Stdin = ch
		cmd.Stdout = ch
		cmd.Stderr = ch.Stderr()
		cmd.WaitDelay = time.Second

		var status uint32
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				status = uint32(exitErr.ExitCode())
			} else {
				status = 255
			}
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}
