// Package devicetest runs an in-process laser controller that answers
// "(param-disp '<query>)" commands, for tests of the device protocol.
package devicetest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Server is a fake controller listening on a loopback port.
type Server struct {
	ln       net.Listener
	mu       sync.Mutex
	values   map[string]string
	silent   bool
	delay    time.Duration
	extra    []string
	accepted atomic.Int32
	queries  atomic.Int32
}

// Start runs a server answering with values until the test ends.
func Start(t testing.TB, values map[string]string) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{ln: ln, values: values}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

// Addr returns "127.0.0.1:<port>".
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Host and Port split Addr.
func (s *Server) Host() string { return s.ln.Addr().(*net.TCPAddr).IP.String() }
func (s *Server) Port() int    { return s.ln.Addr().(*net.TCPAddr).Port }

// Accepted returns the number of connections made so far.
func (s *Server) Accepted() int { return int(s.accepted.Load()) }

// Queries returns the number of commands received so far.
func (s *Server) Queries() int { return int(s.queries.Load()) }

// SetSilent makes the server stop answering commands.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// SetDelay makes the server wait d before each answer.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Prepend sends reply, unrequested, in front of the next answer.
func (s *Server) Prepend(reply string) {
	s.mu.Lock()
	s.extra = append(s.extra, reply)
	s.mu.Unlock()
}

// Set changes the value reported for a query.
func (s *Server) Set(query, value string) {
	s.mu.Lock()
	s.values[query] = value
	s.mu.Unlock()
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	fmt.Fprint(conn, "DeCoF Command Line\r\n> ")

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		s.queries.Add(1)
		line := strings.TrimSpace(sc.Text())
		query := strings.TrimSuffix(strings.TrimPrefix(line, "(param-disp '"), ")")

		s.mu.Lock()
		value, ok := s.values[query]
		silent, delay := s.silent, s.delay
		var extra []string
		if !silent {
			extra, s.extra = s.extra, nil
		}
		s.mu.Unlock()

		if silent {
			continue
		}
		time.Sleep(delay)
		answer := strings.Join(extra, "")
		if ok {
			answer += fmt.Sprintf("%s = %s\r\n> ", query, value)
		} else {
			answer += "Error: -4 unknown parameter\r\n> "
		}
		// One write, so the client may read both replies at once
		fmt.Fprint(conn, answer)
	}
}

// Close stops accepting connections.
func (s *Server) Close() { s.ln.Close() }
