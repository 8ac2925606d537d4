package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	// dialTimeout bounds both the TCP dial and the server greeting.
	dialTimeout = 5 * time.Second
	// defaultCommandTimeout bounds every IMAP command of a session.
	defaultCommandTimeout = 30 * time.Second
)

// Endpoint is the address and transport security of an IMAP server.
type Endpoint struct {
	Host     string
	Port     int
	Security models.Security
}

// EndpointFor returns the endpoint of the given mailbox.
func EndpointFor(mailbox *models.Mailbox) Endpoint {
	return Endpoint{Host: mailbox.Host, Port: mailbox.Port, Security: mailbox.Security}
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// dial connects to the IMAP server and waits for its greeting.
// TLS connects over TLS right away, StartTLS upgrades after the greeting,
// and None stays in plain text (used by tests).
// Commands time out after commandTimeout. The returned conn is the one the client
// reads from, for deadline control.
func dial(ctx context.Context, endpoint Endpoint, commandTimeout time.Duration) (*client.Client, net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}

	tlsConfig := &tls.Config{ServerName: endpoint.Host}
	if endpoint.Security == models.SecurityTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		conn = tlsConn
	}

	// The greeting is read inside client.New, so the dial timeout also bounds it.
	if err := conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	c, err := client.New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to read greeting: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = c.Terminate()
		return nil, nil, fmt.Errorf("failed to clear deadline: %w", err)
	}
	c.Timeout = commandTimeout

	if endpoint.Security == models.SecurityStartTLS {
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Terminate()
			return nil, nil, fmt.Errorf("failed to start TLS: %w", err)
		}
		_ = conn.SetDeadline(time.Time{})
	}

	return c, conn, nil
}
