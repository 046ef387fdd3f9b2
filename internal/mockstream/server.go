// Package mockstream serves random SMDR lines over TCP for development and tests.
package mockstream

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

const (
	DefaultMaxClients = 10
	DefaultInterval   = 250 * time.Millisecond
	Greeting          = "# mock-smdr-stream connected"
	rejectMessage     = "ERR max connections reached"
	writeTimeout      = time.Second
)

type Config struct {
	Listen     string
	Interval   time.Duration // 0 disables the periodic broadcast
	MaxClients int
}

// Server accepts up to MaxClients controllers-to-be and writes the same
// generated line to each of them every Interval.
type Server struct {
	cfg      Config
	gen      *Generator
	listener net.Listener

	mu      sync.Mutex
	clients map[net.Conn]struct{}

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewServer(cfg Config, gen *Generator) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if gen == nil {
		gen = NewGenerator(time.Now().UnixNano(), nil)
	}
	return &Server{
		cfg:      cfg,
		gen:      gen,
		clients:  make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	log.Printf("[MOCK] Mock SMDR stream listening on %s", s.listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	if s.cfg.Interval > 0 {
		s.wg.Add(1)
		go s.broadcastLoop()
	}
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			log.Printf("[MOCK] Error accepting connection: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.admit(conn)
	}
}

func (s *Server) admit(conn net.Conn) {
	s.mu.Lock()
	if len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		io.WriteString(conn, rejectMessage+"\n")
		conn.Close()
		log.Printf("[MOCK] Rejected %s: max connections reached", conn.RemoteAddr())
		return
	}
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	log.Printf("[MOCK] Client connected from %s", conn.RemoteAddr())
	if err := s.write(conn, Greeting); err != nil {
		s.drop(conn)
		return
	}

	// Clients never send anything; reading only detects the hangup.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		io.Copy(io.Discard, conn)
		s.drop(conn)
	}()
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.Broadcast(s.gen.Line())
		}
	}
}

// Broadcast writes line to every client and returns how many received it.
// Clients that fail the write are dropped.
func (s *Server) Broadcast(line string) int {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if err := s.write(c, line); err != nil {
			s.drop(c)
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) write(conn net.Conn, line string) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := io.WriteString(conn, line+"\n")
	return err
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if ok {
		conn.Close()
		log.Printf("[MOCK] Client %s disconnected", conn.RemoteAddr())
	}
}

// Stop closes the listener and every client, then waits for the loops.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for c := range s.clients {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		log.Println("[MOCK] Server stopped")
	})
}
