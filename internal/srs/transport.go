package srs

import (
	"context"
	"net"
	"time"
)

// Transport opens the two channels of a session. Tests substitute an
// in-memory implementation.
type Transport interface {
	DialControl(ctx context.Context) (net.Conn, error)
	DialVoice(ctx context.Context) (net.Conn, error)
}

// NetTransport dials a real server. Control and voice share one address,
// TCP and UDP respectively.
type NetTransport struct {
	Address     string
	DialTimeout time.Duration
}

func (t NetTransport) DialControl(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout, KeepAlive: 30 * time.Second}
	return d.DialContext(ctx, "tcp", t.Address)
}

func (t NetTransport) DialVoice(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout}
	return d.DialContext(ctx, "udp", t.Address)
}
