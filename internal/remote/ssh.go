// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Possible errors, used in tests.
var (
	errNoAuthMethods = errors.New("no SSH authentication methods available (start ssh-agent or pass an identity file)")
	errNoHost        = errors.New("empty host")
)

// SSHConfig describes how to reach a host over SSH.
type SSHConfig struct {
	// Host is the host name or ~/.ssh/config alias.
	Host string
	// User overrides the user name. If empty, the ssh_config User is used,
	// then $USER.
	User string
	// Port overrides the port. If zero, the ssh_config Port is used, then 22.
	Port int
	// IdentityFiles are private keys tried in addition to ssh-agent and the
	// ssh_config IdentityFile entries.
	IdentityFiles []string
	// KnownHosts is the known_hosts file used to check host keys. If empty,
	// ~/.ssh/known_hosts is used.
	KnownHosts string
	// Timeout limits establishing the connection. If zero, 30 seconds.
	Timeout time.Duration
	// SSHConfig is the parsed ~/.ssh/config. If nil, user settings are loaded
	// from the default locations.
	SSHConfig *ssh_config.Config
	// Getenv looks up environment variables. If nil, os.Getenv is used.
	Getenv func(string) string
}

// endpoint is a host resolved through ssh_config.
type endpoint struct {
	addr       string
	user       string
	identities []string
}

func (c *SSHConfig) getenv(key string) string {
	if c.Getenv == nil {
		return os.Getenv(key)
	}
	return c.Getenv(key)
}

func (c *SSHConfig) lookup(key string) []string {
	if c.SSHConfig != nil {
		vals, err := c.SSHConfig.GetAll(c.Host, key)
		if err != nil {
			return nil
		}
		return vals
	}
	return ssh_config.GetAll(c.Host, key)
}

func (c *SSHConfig) first(key string) string {
	vals := c.lookup(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c *SSHConfig) resolve() (*endpoint, error) {
	if c.Host == "" {
		return nil, errNoHost
	}

	hostname := c.first("HostName")
	if hostname == "" {
		hostname = c.Host
	}

	port := c.Port
	if port == 0 {
		if p := c.first("Port"); p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("invalid port %q for %s in ssh config: %w", p, c.Host, err)
			}
			port = n
		}
	}
	if port == 0 {
		port = 22
	}

	user := c.User
	if user == "" {
		user = c.first("User")
	}
	if user == "" {
		user = c.getenv("USER")
	}

	e := &endpoint{
		addr: net.JoinHostPort(hostname, strconv.Itoa(port)),
		user: user,
	}
	e.identities = append(e.identities, c.IdentityFiles...)
	for _, id := range c.lookup("IdentityFile") {
		e.identities = append(e.identities, expandHome(id, c.getenv("HOME")))
	}
	return e, nil
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return path
}

// SSH runs commands on a host over an SSH connection.
type SSH struct {
	host   string
	client *ssh.Client
	agent  net.Conn
}

// Dial connects to the host described by c.
func Dial(ctx context.Context, c *SSHConfig) (*SSH, error) {
	e, err := c.resolve()
	if err != nil {
		return nil, err
	}

	s := &SSH{host: c.Host}

	var auth []ssh.AuthMethod
	if sock := c.getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err == nil {
			s.agent = conn
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	var signers []ssh.Signer
	for _, path := range e.identities {
		signer, err := loadSigner(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			s.Close()
			return nil, err
		}
		if signer != nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if len(auth) == 0 {
		s.Close()
		return nil, errNoAuthMethods
	}

	knownHostsPath := c.KnownHosts
	if knownHostsPath == "" {
		knownHostsPath = filepath.Join(c.getenv("HOME"), ".ssh", "known_hosts")
	}
	hostKeyCallback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load known hosts from %s: %w", knownHostsPath, err)
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", c.Host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, e.addr, cfg)
	if err != nil {
		conn.Close()
		s.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", c.Host, err)
	}
	s.client = ssh.NewClient(sshConn, chans, reqs)
	return s, nil
}

// loadSigner reads a private key. Keys protected by a passphrase are skipped
// (nil signer, nil error): ssh-agent is expected to hold them.
func loadSigner(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(b)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return signer, nil
}

// Run implements [Runner].
func (s *SSH) Run(ctx context.Context, cmd string) ([]byte, error) {
	return s.run(ctx, cmd, nil)
}

// Put implements [Runner].
func (s *SSH) Put(ctx context.Context, path string, data []byte) error {
	_, err := s.run(ctx, "cat > "+Quote(path), bytes.NewReader(data))
	return err
}

func (s *SSH) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create session: %w", s.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), &ExitError{
			Cmd:    cmd,
			Status: exitErr.ExitStatus(),
			Stderr: stderr.Bytes(),
		}
	}
	if err != nil {
		return stdout.Bytes(), fmt.Errorf("%s: %q failed: %w", s.host, cmd, err)
	}
	return stdout.Bytes(), nil
}

// Close implements [Runner].
func (s *SSH) Close() error {
	var err error
	if s.client != nil {
		err = s.client.Close()
	}
	if s.agent != nil {
		s.agent.Close()
	}
	return err
}
