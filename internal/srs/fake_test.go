package srs

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// fakeServer is an in-memory radio network server. Control connections are
// net.Pipe pairs; voice connections record every packet written.
type fakeServer struct {
	// handshake decides the reply to an inbound Sync. nil means reply Sync.
	handshake func(NetworkMessage) *NetworkMessage
	// gate, when set, holds the handshake reply until it is closed.
	gate        chan struct{}
	answerPings bool
	echoVoice   bool
	// voiceErrs, when set, feeds read errors to voice connections.
	voiceErrs chan error

	controlDials atomic.Int32
	voiceDials   atomic.Int32

	mu       sync.Mutex
	messages []NetworkMessage
	packets  []receivedPacket
	pipes    []net.Conn
}

type receivedPacket struct {
	at   time.Time
	data []byte
}

func newFakeServer() *fakeServer {
	return &fakeServer{answerPings: true, echoVoice: true}
}

func (f *fakeServer) DialControl(ctx context.Context) (net.Conn, error) {
	f.controlDials.Add(1)
	client, server := net.Pipe()
	f.mu.Lock()
	f.pipes = append(f.pipes, server)
	f.mu.Unlock()
	go f.serve(server)
	return client, nil
}

func (f *fakeServer) DialVoice(ctx context.Context) (net.Conn, error) {
	f.voiceDials.Add(1)
	return &fakeVoiceConn{server: f, echo: make(chan []byte, 16), closed: make(chan struct{})}, nil
}

func (f *fakeServer) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var msg NetworkMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return
		}
		f.mu.Lock()
		f.messages = append(f.messages, msg)
		f.mu.Unlock()

		var reply *NetworkMessage
		switch msg.MsgType {
		case MsgSync:
			if f.gate != nil {
				<-f.gate
			}
			if f.handshake != nil {
				reply = f.handshake(msg)
			} else {
				reply = &NetworkMessage{MsgType: MsgSync, Version: "2.1.0.10"}
			}
		case MsgPing:
			if f.answerPings {
				reply = &NetworkMessage{MsgType: MsgUpdate, Version: "2.1.0.10"}
			}
		}
		if reply == nil {
			continue
		}
		data, _ := encodeMessage(*reply)
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

// dropControl closes the server side of every control connection.
func (f *fakeServer) dropControl() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.pipes {
		_ = p.Close()
	}
}

func (f *fakeServer) received() []NetworkMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]NetworkMessage(nil), f.messages...)
}

func (f *fakeServer) voicePackets() []receivedPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receivedPacket(nil), f.packets...)
}

type fakeVoiceConn struct {
	server *fakeServer
	echo   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeVoiceConn) Read(b []byte) (int, error) {
	select {
	case err := <-c.server.voiceErrs:
		return 0, err
	case p := <-c.echo:
		return copy(b, p), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

func (c *fakeVoiceConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	data := append([]byte(nil), b...)
	if len(data) == GUIDLength {
		if c.server.echoVoice {
			select {
			case c.echo <- data:
			default:
			}
		}
		return len(b), nil
	}
	c.server.mu.Lock()
	c.server.packets = append(c.server.packets, receivedPacket{at: time.Now(), data: data})
	c.server.mu.Unlock()
	return len(b), nil
}

func (c *fakeVoiceConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeVoiceConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}
func (c *fakeVoiceConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5002}
}
func (c *fakeVoiceConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeVoiceConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeVoiceConn) SetWriteDeadline(t time.Time) error { return nil }
