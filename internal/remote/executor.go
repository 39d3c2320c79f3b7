// Package remote executes typed command sequences on target hosts over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/dockhand/engine/internal/models"
	"github.com/dockhand/engine/internal/secrets"
	appErr "github.com/dockhand/engine/pkg/errors"
	"github.com/dockhand/engine/pkg/logger"
)

// Host is where a sequence runs.
type Host struct {
	Name    string
	Address string
	Port    int
	User    string
}

// HostFor derives the SSH endpoint of a target.
func HostFor(t models.Target) Host {
	return Host{Name: t.Name, Address: t.Host, Port: t.SSHPort(), User: t.User}
}

func (h Host) addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

type Executor struct {
	hostKeys    ssh.HostKeyCallback
	dialTimeout time.Duration
}

type Option func(*Executor)

// WithDialTimeout bounds the TCP connect and handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(e *Executor) { e.dialTimeout = d }
}

// NewExecutor verifies host keys against knownHostsPath. With an empty path,
// host keys are accepted unverified.
func NewExecutor(knownHostsPath string, opts ...Option) (*Executor, error) {
	e := &Executor{dialTimeout: 15 * time.Second}
	if knownHostsPath == "" {
		logger.L().Warn("SSH_KNOWN_HOSTS not set, remote host keys will not be verified")
		e.hostKeys = ssh.InsecureIgnoreHostKey()
	} else {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		e.hostKeys = cb
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RunSequence opens one connection to host and runs cmds in order, one session
// each. It stops at the first failing command and returns the results gathered
// so far together with the error.
func (e *Executor) RunSequence(ctx context.Context, host Host, cred secrets.Credential, cmds []Command) ([]Result, error) {
	client, err := e.connect(ctx, host, cred)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
			_ = client.Close()
		}
	}()

	log := logger.L().With(zap.String("host", host.Name))
	results := make([]Result, 0, len(cmds))
	for _, cmd := range cmds {
		res, err := runOne(ctx, client, cmd)
		results = append(results, res)
		if err != nil {
			log.Warn("remote command failed", zap.String("command", cmd.Name), zap.Int("exit_code", res.ExitCode), zap.Error(err))
			return results, err
		}
		log.Debug("remote command done", zap.String("command", cmd.Name))
	}
	return results, nil
}

func (e *Executor) connect(ctx context.Context, host Host, cred secrets.Credential) (*ssh.Client, error) {
	methods, err := authMethods(cred)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: e.hostKeys,
		Timeout:         e.dialTimeout,
	}

	dialer := net.Dialer{Timeout: e.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", host.addr())
	if err != nil {
		if ctxErr := contextFailure(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, appErr.Fail(appErr.KindConnectFailure, fmt.Errorf("dial %s: %w", host.addr(), err))
	}

	deadline := time.Now().Add(e.dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	c, chans, reqs, err := ssh.NewClientConn(conn, host.addr(), cfg)
	if err != nil {
		_ = conn.Close()
		if ctxErr := contextFailure(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classifyHandshake(host, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(cred secrets.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, appErr.Fail(appErr.KindAuthFailure, fmt.Errorf("parse private key: %w", err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}
	if len(methods) == 0 {
		return nil, appErr.Failf(appErr.KindAuthFailure, "credential has neither key nor password")
	}
	return methods, nil
}

func classifyHandshake(host Host, err error) error {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	msg := err.Error()
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked), strings.Contains(msg, "knownhosts:"):
		return appErr.Fail(appErr.KindAuthFailure, fmt.Errorf("host key for %s rejected: %w", host.addr(), err))
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return appErr.Fail(appErr.KindAuthFailure, fmt.Errorf("ssh login to %s: %w", host.addr(), err))
	default:
		return appErr.Fail(appErr.KindConnectFailure, fmt.Errorf("ssh handshake with %s: %w", host.addr(), err))
	}
}

func runOne(ctx context.Context, client *ssh.Client, cmd Command) (Result, error) {
	res := Result{Name: cmd.Name}
	session, err := client.NewSession()
	if err != nil {
		if ctxErr := contextFailure(ctx, err); ctxErr != nil {
			return res, ctxErr
		}
		return res, appErr.Fail(appErr.KindConnectFailure, fmt.Errorf("open session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if cmd.Stdin != "" {
		session.Stdin = strings.NewReader(cmd.Stdin)
	}

	err = session.Run(cmd.Line())
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		if cmd.IgnoreExit {
			return res, nil
		}
		return res, appErr.CommandFailed(res.ExitCode, res.Output(), fmt.Errorf("%s exited with %d", cmd.Name, res.ExitCode))
	}
	if ctxErr := contextFailure(ctx, err); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	res.ExitCode = -1
	f := appErr.Fail(appErr.KindConnectFailure, fmt.Errorf("%s: %w", cmd.Name, err))
	f.Output = res.Output()
	return res, f
}

// contextFailure reports a Timeout or Cancelled failure when ctx has ended.
func contextFailure(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return appErr.Fail(appErr.KindTimeout, fmt.Errorf("%w: %v", ctx.Err(), err))
	case errors.Is(ctx.Err(), context.Canceled):
		return appErr.Fail(appErr.KindCancelled, fmt.Errorf("%w: %v", ctx.Err(), err))
	}
	return nil
}
