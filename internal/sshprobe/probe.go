// Package sshprobe checks whether a guest answers on SSH.
package sshprobe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Probe reports SSH readiness of an endpoint. With a client configuration it
// completes a full handshake and public key login; without one it only waits
// for the server's protocol banner.
type Probe struct {
	config *ssh.ClientConfig
	log    logrus.FieldLogger
}

// New returns a Probe. An empty keyPath selects banner-only probing.
func New(user, keyPath string, log logrus.FieldLogger) (*Probe, error) {
	p := &Probe{log: log}
	if keyPath == "" {
		return p, nil
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}
	p.config = &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// guests are freshly provisioned; their host keys are not known yet
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	return p, nil
}

// IsReachable makes one attempt against endpoint ("host:port") bounded by
// timeout and ctx.
func (p *Probe) IsReachable(ctx context.Context, endpoint string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		p.log.WithError(err).Debugf("ssh dial %s", endpoint)
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if p.config == nil {
		return p.banner(conn, endpoint)
	}
	return p.handshake(conn, endpoint)
}

func (p *Probe) banner(conn net.Conn, endpoint string) bool {
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		p.log.WithError(err).Debugf("ssh banner from %s", endpoint)
		return false
	}
	return strings.HasPrefix(line, "SSH-")
}

func (p *Probe) handshake(conn net.Conn, endpoint string) bool {
	c, chans, reqs, err := ssh.NewClientConn(conn, endpoint, p.config)
	if err != nil {
		p.log.WithError(err).Debugf("ssh handshake with %s", endpoint)
		return false
	}
	client := ssh.NewClient(c, chans, reqs)
	if err := client.Close(); err != nil {
		p.log.WithError(err).Debug("closing ssh probe client")
	}
	return true
}
