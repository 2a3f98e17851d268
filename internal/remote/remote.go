// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package remote creates session folders either on the local filesystem or
// on a storage host reached over SSH/SFTP.
package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// FS is the small part of a filesystem the session worker needs.
type FS interface {
	// MkdirAll creates dir and any missing parents.
	MkdirAll(dir string) error
	// WriteFile replaces the content of name.
	WriteFile(name string, data []byte) error
	Close() error
}

// Local writes to the machine the worker runs on.
type Local struct{}

func (Local) MkdirAll(dir string) error { return os.MkdirAll(dir, 0o755) }

func (Local) WriteFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0o644)
}

func (Local) Close() error { return nil }

// SSHConfig selects the storage host.
type SSHConfig struct {
	Host string
	User string
	// KeyFile is a private key tried before the SSH agent.
	KeyFile string
	// KnownHosts defaults to ~/.ssh/known_hosts.
	KnownHosts string
	Timeout    time.Duration
}

// SFTP writes to a remote host.
type SFTP struct {
	client *ssh.Client
	sftp   *sftp.Client
}

// hostAddr adds port 22 when host has none.
func hostAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err != nil {
		return net.JoinHostPort(host, "22")
	}
	return host
}

// HostKeyCallback checks presented keys against a known_hosts file. Unknown
// hosts and mismatching keys are both rejected.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	check, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", knownHostsPath, err)
	}
	return func(hostname string, addr net.Addr, key ssh.PublicKey) error {
		err := check(hostname, addr, key)
		var kerr *knownhosts.KeyError
		if errors.As(err, &kerr) {
			if len(kerr.Want) == 0 {
				return fmt.Errorf("unknown host key for %s, add it to %s", hostname, knownHostsPath)
			}
			return fmt.Errorf("HOST KEY MISMATCH FOR %s, remote key: %s", hostname,
				strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))))
		}
		return err
	}, nil
}

// Dial connects to cfg.Host, trying cfg.KeyFile first and then the SSH
// agent when the key is rejected or missing.
func Dial(cfg SSHConfig) (*SFTP, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hostKeys, err := HostKeyCallback(cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	addr := hostAddr(cfg.Host)
	connect := func(auth ssh.AuthMethod) (*SFTP, error) {
		client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{auth},
			HostKeyCallback: hostKeys,
			Timeout:         cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		sc, err := sftp.NewClient(client)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create sftp client: %w", err)
		}
		return &SFTP{client: client, sftp: sc}, nil
	}

	var keyErr error
	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		fs, err := connect(ssh.PublicKeys(signer))
		if err == nil {
			return fs, nil
		}
		if !strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		keyErr = err
	}

	ag := sshAgent()
	if ag == nil {
		if keyErr != nil {
			return nil, fmt.Errorf("key authentication failed and no SSH agent is available: %w", keyErr)
		}
		return nil, errors.New("no authentication method available (no key file and no ssh agent)")
	}
	fs, err := connect(ssh.PublicKeysCallback(ag.Signers))
	if err != nil {
		return nil, fmt.Errorf("connection with ssh agent failed: %w", err)
	}
	return fs, nil
}

// MkdirAll creates dir on the remote host.
func (s *SFTP) MkdirAll(dir string) error {
	return s.sftp.MkdirAll(dir)
}

// WriteFile uploads to a temporary name and renames it into place.
func (s *SFTP) WriteFile(name string, data []byte) error {
	tmp := path.Join(path.Dir(name), fmt.Sprintf(".%s.%d", path.Base(name), time.Now().UnixNano()))
	f, err := s.sftp.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create temporary file on remote: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.sftp.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = s.sftp.Remove(tmp)
		return err
	}
	if err := s.sftp.PosixRename(tmp, name); err != nil {
		_ = s.sftp.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// Close closes the SFTP session and the SSH connection.
func (s *SFTP) Close() error {
	var errs []error
	if s.sftp != nil {
		errs = append(errs, s.sftp.Close())
	}
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}

// Open returns the SFTP filesystem when cfg names a host, Local otherwise.
func Open(cfg SSHConfig) (FS, error) {
	if cfg.Host == "" {
		return Local{}, nil
	}
	return Dial(cfg)
}
