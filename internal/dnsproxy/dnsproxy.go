// Package dnsproxy is the UDP DNS server at the center of the routing
// engine: it classifies each query, forwards it verbatim to the matching
// upstream, and records the observed addresses with the conflict detector.
package dnsproxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrBind indicates the UDP listener could not be opened.
var ErrBind = fmt.Errorf("dnsproxy: bind error")

// ErrUpstream indicates an upstream DNS send/receive failure, recovered
// locally by synthesizing a SERVFAIL response.
var ErrUpstream = fmt.Errorf("dnsproxy: upstream error")

// ErrDecode indicates a malformed DNS packet. The offending datagram is
// dropped; other traffic is unaffected.
var ErrDecode = fmt.Errorf("dnsproxy: decode error")

// ErrAlreadyRunning is returned by Start when the proxy is already running.
var ErrAlreadyRunning = fmt.Errorf("dnsproxy: already running")

const (
	defaultUpstreamTimeout = 5 * time.Second
	defaultTTL             = 3600
)

// State is the DNS proxy's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

// Classifier is the read surface of the domain matcher.
type Classifier interface {
	Match(name string) MatchResult
}

// MatchResult mirrors matcher.Result without importing the matcher package
// directly into the DNS wire-protocol layer.
type MatchResult struct {
	Matched     bool
	Tunnel      bool
	MatchedRule string
}

// ConflictRecorder is the write surface of the conflict detector.
type ConflictRecorder interface {
	RecordBatch(domain string, ips []string, tunnel bool)
	HasConflict(ip string) bool
}

// Injector is the write surface of the route manager.
type Injector interface {
	Inject(domain string, ips []string, ttl time.Duration) error
}

// Event is the sealed set of notifications the DNS proxy emits.
type Event interface{ dnsEvent() }

// Query is emitted once a question has been classified.
type Query struct {
	Name        string
	Type        uint16
	Tunnel      bool
	MatchedRule string
}

// Response is emitted once the upstream reply has been decoded.
type Response struct {
	Name string
	IPs  []string
	TTL  uint32
}

// RouteInjection is emitted after the conflict detector has been notified.
type RouteInjection struct {
	Domain      string
	IPs         []string
	Tunnel      bool
	HasConflict bool
}

// Error is emitted for recoverable failures on the hot path.
type Error struct {
	Stage string
	Err   error
}

func (Query) dnsEvent()          {}
func (Response) dnsEvent()       {}
func (RouteInjection) dnsEvent() {}
func (Error) dnsEvent()          {}

// Upstream pairs host:port targets for each classification.
type Upstream struct {
	Tunnel string
	Direct string
}

// Server is the UDP DNS proxy.
type Server struct {
	listenAddr string
	upstream   Upstream
	matcher    Classifier
	conflicts  ConflictRecorder
	routes     Injector
	events     chan<- Event

	upstreamTimeout time.Duration
	dial            func(network, address string) (net.Conn, error)

	mu       sync.Mutex
	state    State
	conn     *net.UDPConn
	acceptWG sync.WaitGroup
}

// Option configures a Server at construction.
type Option func(*Server)

func WithEvents(events chan<- Event) Option {
	return func(s *Server) { s.events = events }
}

func WithUpstreamTimeout(d time.Duration) Option {
	return func(s *Server) { s.upstreamTimeout = d }
}

// New creates a DNS proxy bound to listenAddr (host:port, normally
// 127.0.0.1:<port>).
func New(listenAddr string, upstream Upstream, matcher Classifier, conflicts ConflictRecorder, routes Injector, opts ...Option) *Server {
	s := &Server{
		listenAddr:      listenAddr,
		upstream:        upstream,
		matcher:         matcher,
		conflicts:       conflicts,
		routes:          routes,
		upstreamTimeout: defaultUpstreamTimeout,
		dial:            net.Dial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) emit(ev Event) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound UDP address, or nil if not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Start binds the UDP socket and begins serving queries.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", s.listenAddr)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("%w: resolving %s: %v", ErrBind, s.listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("%w: listening on %s: %v", ErrBind, s.listenAddr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateRunning
	s.mu.Unlock()

	s.acceptWG.Add(1)
	go s.serve(conn)
	return nil
}

// Stop closes the UDP socket and drops pending queries. It waits for the
// accept loop to exit but does not wait for in-flight upstream responses:
// query handlers spawned before Stop may still complete their forward and
// write after Stop returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateStopped
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.acceptWG.Wait()
	return nil
}

func (s *Server) serve(conn *net.UDPConn) {
	defer s.acceptWG.Done()
	buf := make([]byte, 65535)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		go s.handleQuery(conn, remote, packet)
	}
}

func (s *Server) handleQuery(conn *net.UDPConn, remote *net.UDPAddr, packet []byte) {
	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		s.emit(Error{Stage: "decode", Err: fmt.Errorf("%w: %v", ErrDecode, err)})
		return
	}
	if len(req.Question) == 0 {
		return
	}
	question := req.Question[0]
	qname := normalizeName(question.Name)

	result := s.matcher.Match(qname)
	s.emit(Query{Name: qname, Type: question.Qtype, Tunnel: result.Tunnel, MatchedRule: result.MatchedRule})

	upstream := s.upstream.Direct
	if result.Tunnel {
		upstream = s.upstream.Tunnel
	}

	respBytes, upstreamErr := s.forward(upstream, packet)
	if upstreamErr != nil {
		s.emit(Error{Stage: "upstream", Err: fmt.Errorf("%w: %v", ErrUpstream, upstreamErr)})
		respBytes = servfail(req)
	} else {
		s.recordAndInject(qname, result.Tunnel, respBytes)
	}

	if _, err := conn.WriteToUDP(respBytes, remote); err != nil {
		s.emit(Error{Stage: "reply", Err: err})
	}
}

func (s *Server) forward(upstream string, query []byte) ([]byte, error) {
	c, err := s.dial("udp", upstream)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(s.upstreamTimeout)); err != nil {
		return nil, err
	}
	if _, err := c.Write(query); err != nil {
		return nil, err
	}
	buf := make([]byte, 65535)
	n, err := c.Read(buf)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

func (s *Server) recordAndInject(qname string, tunnel bool, respBytes []byte) {
	resp := new(dns.Msg)
	if err := resp.Unpack(respBytes); err != nil {
		s.emit(Error{Stage: "decode-response", Err: fmt.Errorf("%w: %v", ErrDecode, err)})
		return
	}

	var ips []string
	ttl := uint32(defaultTTL)
	haveTTL := false
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ips = append(ips, a.A.String())
		if !haveTTL || a.Hdr.Ttl < ttl {
			ttl = a.Hdr.Ttl
			haveTTL = true
		}
	}
	s.emit(Response{Name: qname, IPs: ips, TTL: ttl})
	if len(ips) == 0 {
		return
	}

	s.conflicts.RecordBatch(qname, ips, tunnel)
	conflicting := false
	for _, ip := range ips {
		if s.conflicts.HasConflict(ip) {
			conflicting = true
			break
		}
	}
	s.emit(RouteInjection{Domain: qname, IPs: ips, Tunnel: tunnel, HasConflict: conflicting})

	// Injection TTL is the route manager's own fixed default, not the
	// extracted answer TTL: the extracted value is reported via Response
	// for observability only, so a short-lived answer can't churn routes
	// faster than the manager's cleanup policy expects.
	if tunnel && s.routes != nil {
		if err := s.routes.Inject(qname, ips, 0); err != nil {
			s.emit(Error{Stage: "inject", Err: err})
		}
	}
}

// servfail synthesizes a SERVFAIL response copying the request id and
// questions, with zero answers.
func servfail(req *dns.Msg) []byte {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	out, err := resp.Pack()
	if err != nil {
		return nil
	}
	return out
}

func normalizeName(name string) string {
	n := dns.CanonicalName(name)
	for len(n) > 0 && n[len(n)-1] == '.' {
		n = n[:len(n)-1]
	}
	return n
}
