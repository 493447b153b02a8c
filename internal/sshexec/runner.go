package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultExecTimeout bounds a single remote command when the caller
	// does not supply its own limit.
	DefaultExecTimeout = 60 * time.Second

	dialTimeout = 10 * time.Second
)

// ExecResult is the outcome of a command that actually ran on the remote
// host. A non-zero ExitCode is reported here, not as an error: the
// transport did its job.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Execute runs command on target over SSH. The allowlist is consulted
// before any network I/O unless unsafe is set. Transport and session
// failures come back as *ExecError; remote commands that run but exit
// non-zero come back as a result.
func Execute(ctx context.Context, command string, target ResolvedTarget, timeout time.Duration, unsafe bool) (*ExecResult, error) {
	if !target.Configured {
		return nil, &ExecError{
			Code:    CodeSSHRequired,
			Message: "target has no usable SSH configuration (need host, user, and a credential)",
		}
	}
	if !unsafe && !IsCommandAllowed(command) {
		return nil, &ExecError{
			Code:    CodeSSHForbidden,
			Message: fmt.Sprintf("command not allowed: %q", command),
		}
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	config, err := clientConfig(target)
	if err != nil {
		return nil, &ExecError{
			Code:    CodeSSHAuthFailed,
			Message: fmt.Sprintf("private key for %s:%d unusable: %s", target.Host, target.Port, err),
		}
	}

	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", target.Port))
	client, err := dial(ctx, addr, config)
	if err != nil {
		return nil, ClassifyFailure(target.Host, target.Port, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, ClassifyFailure(target.Host, target.Port, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		session.Close()
		<-done
		return nil, ClassifyFailure(target.Host, target.Port, ctx.Err())
	case err = <-done:
	}

	res := &ExecResult{
		Stdout: strings.TrimRight(stdout.String(), " \t\r\n"),
		Stderr: strings.TrimRight(stderr.String(), " \t\r\n"),
	}
	if err != nil {
		var exit *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exit):
			res.ExitCode = exit.ExitStatus()
			return res, nil
		case errors.As(err, &missing):
			// Remote closed without reporting a status; the command ran.
			res.ExitCode = -1
			return res, nil
		default:
			return nil, ClassifyFailure(target.Host, target.Port, err)
		}
	}
	return res, nil
}

// dial establishes the TCP connection itself so the context deadline
// applies to the handshake; ssh.Dial only bounds the TCP connect.
func dial(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func clientConfig(target ResolvedTarget) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch target.AuthMode {
	case AuthKey:
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	case AuthPassword:
		auth = append(auth, ssh.Password(target.Password))
	}

	// Hypervisor hosts are addressed by stored IP on a management
	// network; there is no known_hosts file to pin against.
	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}
