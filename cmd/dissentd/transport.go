package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dedis/dissent/dlog"
	"github.com/dedis/dissent/roster"
)

// tcpTransport is the host program's concrete netio.Transport (§1:
// transport/connection management is explicitly out of scope for the
// core, so it lives here, in the binary that wires everything together,
// not in any core package). Frames are a 4-byte big-endian length
// prefix followed by the raw bytes netio.Network already signed and
// hashed — this layer never interprets the payload.
type tcpTransport struct {
	mu    sync.Mutex
	addrs map[roster.NodeID]string
	conns map[roster.NodeID]net.Conn

	onReceive func(raw []byte) error
}

func newTCPTransport(addrs map[roster.NodeID]string, onReceive func([]byte) error) *tcpTransport {
	return &tcpTransport{
		addrs:     addrs,
		conns:     make(map[roster.NodeID]net.Conn),
		onReceive: onReceive,
	}
}

// Listen accepts inbound connections on laddr and pumps every frame that
// arrives on them into onReceive, for as long as the process runs.
func (t *tcpTransport) Listen(laddr string) error {
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return fmt.Errorf("dissentd: listen %s: %w", laddr, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				dlog.Errorf("dissentd: accept: %v", err)
				return
			}
			go t.readLoop(conn)
		}
	}()
	return nil
}

func (t *tcpTransport) readLoop(conn net.Conn) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if err := t.onReceive(body); err != nil {
			dlog.Errorf("dissentd: delivered frame rejected: %v", err)
		}
	}
}

// Deliver implements netio.Transport: dials (and caches) a connection to
// id's address, then writes one length-prefixed frame.
func (t *tcpTransport) Deliver(to roster.NodeID, raw []byte) error {
	conn, err := t.connFor(to)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.dropConn(to)
		return err
	}
	if _, err := conn.Write(raw); err != nil {
		t.dropConn(to)
		return err
	}
	return nil
}

func (t *tcpTransport) connFor(id roster.NodeID) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[id]; ok {
		return c, nil
	}
	addr, ok := t.addrs[id]
	if !ok {
		return nil, fmt.Errorf("dissentd: no address configured for node %d", id)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dissentd: dial node %d at %s: %w", id, addr, err)
	}
	t.conns[id] = conn
	return conn, nil
}

func (t *tcpTransport) dropConn(id roster.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[id]; ok {
		c.Close()
		delete(t.conns, id)
	}
}
