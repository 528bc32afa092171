package virtual

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Server is a minimal in-process broker for the virtual CAN bus.
// Every message received from one client is forwarded verbatim to all
// other clients. Mainly useful for tests, which would otherwise need
// an external virtualcan server running.
type Server struct {
	listener net.Listener
	mu       sync.Mutex
	clients  map[net.Conn]bool
	wg       sync.WaitGroup
	closed   bool
}

// NewServer starts a broker on the given TCP address.
// Use "127.0.0.1:0" to let the system pick a free port, then [Server.Addr].
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &Server{listener: listener, clients: make(map[net.Conn]bool)}
	server.wg.Add(1)
	go server.acceptClients()
	return server, nil
}

// Addr returns the address clients should connect to
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

// Stop closes the listener and all client connections
func (server *Server) Stop() error {
	server.mu.Lock()
	server.closed = true
	for conn := range server.clients {
		conn.Close()
	}
	server.mu.Unlock()
	err := server.listener.Close()
	server.wg.Wait()
	return err
}

func (server *Server) acceptClients() {
	defer server.wg.Done()
	for {
		conn, err := server.listener.Accept()
		if err != nil {
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		server.mu.Lock()
		if server.closed {
			server.mu.Unlock()
			conn.Close()
			return
		}
		server.clients[conn] = true
		server.mu.Unlock()
		server.wg.Add(1)
		go server.serveClient(conn)
	}
}

func (server *Server) serveClient(conn net.Conn) {
	defer server.wg.Done()
	defer server.removeClient(conn)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(header)
		if length > 256 {
			log.Warnf("[VIRTUAL] dropping oversized message : %v bytes", length)
			return
		}
		message := make([]byte, 4+length)
		copy(message, header)
		if _, err := io.ReadFull(conn, message[4:]); err != nil {
			return
		}
		server.broadcast(conn, message)
	}
}

// Forward a raw message to all clients except the sender
func (server *Server) broadcast(sender net.Conn, message []byte) {
	server.mu.Lock()
	defer server.mu.Unlock()
	for conn := range server.clients {
		if conn == sender {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		if _, err := conn.Write(message); err != nil {
			log.Warnf("[VIRTUAL] write to client failed : %v", err)
		}
	}
}

func (server *Server) removeClient(conn net.Conn) {
	server.mu.Lock()
	defer server.mu.Unlock()
	delete(server.clients, conn)
	conn.Close()
}
