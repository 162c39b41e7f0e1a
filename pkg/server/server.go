package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/courierchat/courier/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// ServerConfig holds runtime server configuration.
type ServerConfig struct {
	TCPPort              int
	HTTPPort             int // metrics, health and websocket; 0 disables
	MessageRatePerMinute int
	MessageBurst         int
	MaxMessageLength     int
	IdleTimeoutSeconds   int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:              7342,
		HTTPPort:             7380,
		MessageRatePerMinute: 60,
		MessageBurst:         10,
		MaxMessageLength:     4096,
		IdleTimeoutSeconds:   300,
	}
}

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventFrame
	eventDisconnect
)

// event is one unit of work for the server loop. Reader goroutines and the
// accept loop produce events; only the loop consumes them.
type event struct {
	kind      eventKind
	netConn   net.Conn // eventConnect
	transport string
	id        ConnID // eventFrame, eventDisconnect
	frame     *protocol.Frame
	err       error
}

// Server is the relay server. A single loop goroutine owns the
// ConnectionTable and performs all dispatch, state changes and frame
// writes; per-connection reader goroutines only decode frames and hand
// them to the loop. No locks guard core state, frames from one connection
// are processed strictly in arrival order, and cross-connection order is
// first-ready-first-served.
type Server struct {
	dir       UserDirectory
	config    ServerConfig
	table     *ConnectionTable
	metrics   *Metrics
	listener  net.Listener
	httpSrv   *http.Server
	events    chan event
	shutdown  chan struct{}
	loopDone  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a server on top of an opened user directory.
func NewServer(dir UserDirectory, config ServerConfig) *Server {
	return &Server{
		dir:       dir,
		config:    config,
		table:     NewConnectionTable(),
		events:    make(chan event, 256),
		shutdown:  make(chan struct{}),
		loopDone:  make(chan struct{}),
		startTime: time.Now(),
	}
}

// SetMetrics attaches Prometheus metrics. Must be called before Start.
func (s *Server) SetMetrics(m *Metrics) {
	s.metrics = m
}

// EnableDebugLogging turns on per-frame debug output.
func (s *Server) EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// Addr returns the TCP listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start begins listening and launches the server loop. It returns once the
// listeners are up.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	errorLog.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		httpListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on :%d: %w", s.config.HTTPPort, err)
		}
		s.startHTTP(httpListener)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	go s.run()

	return nil
}

// Stop gracefully stops the server: no new connections, loop drained, all
// clients closed and logged out, directory closed.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}

	<-s.loopDone
	s.wg.Wait()

	// The loop is gone and no producer is left; a connect accepted just as
	// shutdown began may still sit in the buffer holding an open socket.
	for {
		select {
		case ev := <-s.events:
			if ev.netConn != nil {
				ev.netConn.Close()
			}
		default:
			return s.dir.Close()
		}
	}
}

// startHTTP serves /metrics, /healthz and the websocket bridge on the given
// listener.
func (s *Server) startHTTP(httpListener net.Listener) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpSrv = &http.Server{Handler: mux}
	errorLog.Printf("HTTP server listening on %s", httpListener.Addr())

	go func() {
		if err := s.httpSrv.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
}

// acceptLoop accepts incoming TCP connections and hands them to the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := netConn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.enqueueConn(netConn, "tcp")
	}
}

// enqueueConn delivers a freshly accepted transport to the server loop.
// Used by the TCP accept loop and the websocket bridge. Once shutdown has
// begun the transport is closed instead of queued; a connect that still
// slips into the buffer is closed by Stop's drain.
func (s *Server) enqueueConn(netConn net.Conn, transport string) {
	select {
	case <-s.shutdown:
		netConn.Close()
		return
	default:
	}
	select {
	case s.events <- event{kind: eventConnect, netConn: netConn, transport: transport}:
	case <-s.shutdown:
		netConn.Close()
	}
}

// post delivers an event from a reader goroutine to the loop.
func (s *Server) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.shutdown:
	}
}

// readLoop decodes frames off one connection and posts them to the server
// loop. It never touches shared state. Exits on the first read or framing
// error, which the loop turns into connection cleanup.
func (s *Server) readLoop(id ConnID, netConn net.Conn) {
	defer s.wg.Done()

	for {
		frame, err := protocol.DecodeFrame(netConn)
		if err != nil {
			s.post(event{kind: eventDisconnect, id: id, err: err})
			return
		}
		s.post(event{kind: eventFrame, id: id, frame: frame})
	}
}

// run is the server loop: the sole owner of the ConnectionTable. Everything
// that mutates core state or writes a frame happens here.
func (s *Server) run() {
	defer close(s.loopDone)

	sweep := time.NewTicker(30 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-s.shutdown:
			s.closeAll()
			return
		case ev := <-s.events:
			s.handleEvent(ev)
		case <-sweep.C:
			s.sweepIdle()
		}
	}
}

func (s *Server) handleEvent(ev event) {
	switch ev.kind {
	case eventConnect:
		s.handleConnect(ev.netConn, ev.transport)
	case eventFrame:
		s.handleFrame(ev.id, ev.frame)
	case eventDisconnect:
		s.handleDisconnect(ev.id, ev.err)
	}
}

func (s *Server) handleConnect(netConn net.Conn, transport string) {
	limiter := rate.NewLimiter(rate.Limit(float64(s.config.MessageRatePerMinute)/60.0), s.config.MessageBurst)
	c := s.table.Register(netConn, transport, limiter)

	debugLog.Printf("Connection %d: accepted from %s (%s)", c.ID, netConn.RemoteAddr(), transport)
	if s.metrics != nil {
		s.metrics.RecordConnectionOpened(s.table.Len())
	}

	s.wg.Add(1)
	go s.readLoop(c.ID, netConn)
}

func (s *Server) handleDisconnect(id ConnID, err error) {
	c, ok := s.table.Get(id)
	if !ok {
		// Already removed by the loop; the reader's parting event is stale.
		return
	}

	switch {
	case err == nil || errors.Is(err, io.EOF):
		debugLog.Printf("Connection %d: closed by peer", id)
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrFrameTooShort):
		// Framing violation: the stream is out of sync, reject and drop.
		s.sendAck(c, protocol.CodeError, "malformed frame")
		debugLog.Printf("Connection %d: framing error: %v", id, err)
	default:
		debugLog.Printf("Connection %d: read error: %v", id, err)
	}

	s.removeConn(id, true)
}

// handleFrame dispatches one inbound frame by message kind.
func (s *Server) handleFrame(id ConnID, frame *protocol.Frame) {
	c, ok := s.table.Get(id)
	if !ok {
		// Connection removed while the frame sat in the queue.
		return
	}

	c.lastActivity = time.Now()
	if s.metrics != nil {
		s.metrics.RecordFrameReceived(protocol.TypeName(frame.Type))
	}
	debugLog.Printf("Connection %d ← %s PayloadLen=%d", id, protocol.TypeName(frame.Type), len(frame.Payload))

	if frame.Version != protocol.ProtocolVersion {
		s.sendAck(c, protocol.CodeError, "unsupported protocol version")
		return
	}

	switch frame.Type {
	case protocol.TypePresence:
		s.handlePresence(c, frame)
	case protocol.TypeAuthResponse:
		s.handleAuthResponse(c, frame)
	case protocol.TypeChat:
		s.handleChat(c, frame)
	case protocol.TypeExit:
		s.handleExit(c, frame)
	case protocol.TypeGetContacts:
		s.handleGetContacts(c, frame)
	case protocol.TypeAddContact:
		s.handleAddContact(c, frame)
	case protocol.TypeRemoveContact:
		s.handleRemoveContact(c, frame)
	case protocol.TypeGetUsers:
		s.handleGetUsers(c, frame)
	case protocol.TypePubkeyRequest:
		s.handlePubkeyRequest(c, frame)
	case protocol.TypePing:
		s.handlePing(c, frame)
	default:
		s.sendAck(c, protocol.CodeError, "unknown message kind")
	}
}

// removeConn closes and forgets a connection. When the connection was
// bound, the directory session is cleared and, if notify is set, remaining
// clients are told the online list changed. The single cleanup path for
// every error kind.
func (s *Server) removeConn(id ConnID, notify bool) {
	c, ok := s.table.Remove(id)
	if !ok {
		return
	}

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed(s.table.Len())
	}

	if c.Username == "" {
		return
	}

	errorLog.Printf("User %q disconnected (connection %d)", c.Username, id)
	if err := s.dir.UserLogout(c.Username); err != nil {
		errorLog.Printf("Failed to clear session for %q: %v", c.Username, err)
	}
	if s.metrics != nil {
		s.metrics.RecordOnlineUsers(s.table.OnlineCount())
	}
	if notify {
		s.notifyListChanged(id)
	}
}

// notifyListChanged fans a SERVICE_NOTIFY (205) out to every authenticated
// connection except the one that caused the change. Dead connections found
// while writing are removed without a second notification round.
func (s *Server) notifyListChanged(exclude ConnID) {
	frame, err := protocol.NewFrame(protocol.TypeServiceNotify, &protocol.ServiceNotifyMessage{
		Code:    protocol.CodeNotify,
		Message: "refresh your lists",
	})
	if err != nil {
		errorLog.Printf("Failed to encode service notification: %v", err)
		return
	}

	var dead []ConnID
	for _, c := range s.table.All() {
		if c.ID == exclude || c.state != stateAuthenticated {
			continue
		}
		if err := s.writeFrame(c, frame); err != nil {
			dead = append(dead, c.ID)
		}
	}
	for _, id := range dead {
		s.removeConn(id, false)
	}
}

// sweepIdle drops connections whose last activity is older than the
// configured idle timeout.
func (s *Server) sweepIdle() {
	if s.config.IdleTimeoutSeconds <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(s.config.IdleTimeoutSeconds) * time.Second)

	for _, c := range s.table.All() {
		if c.lastActivity.Before(cutoff) {
			debugLog.Printf("Connection %d: idle for more than %ds, dropping", c.ID, s.config.IdleTimeoutSeconds)
			s.removeConn(c.ID, true)
		}
	}
}

// closeAll tears down every connection during shutdown.
func (s *Server) closeAll() {
	for _, c := range s.table.All() {
		if c.Username != "" {
			if err := s.dir.UserLogout(c.Username); err != nil {
				errorLog.Printf("Failed to clear session for %q: %v", c.Username, err)
			}
		}
		s.table.Remove(c.ID)
	}
}

// writeFrame writes one frame to a connection. Callers must remove the
// connection on error; writeFrame itself never mutates the table so it is
// safe to call while iterating.
func (s *Server) writeFrame(c *Conn, frame *protocol.Frame) error {
	// One Write per frame keeps the websocket bridge to one binary
	// message per frame.
	data, err := protocol.EncodeBytes(frame)
	if err != nil {
		return err
	}
	if _, err := c.netConn.Write(data); err != nil {
		debugLog.Printf("Connection %d: write failed (%s): %v", c.ID, protocol.TypeName(frame.Type), err)
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordFrameSent(protocol.TypeName(frame.Type))
	}
	debugLog.Printf("Connection %d → %s PayloadLen=%d", c.ID, protocol.TypeName(frame.Type), len(frame.Payload))
	return nil
}

// send encodes a message and writes it; a write failure removes the
// replying connection only.
func (s *Server) send(c *Conn, msgType uint8, msg protocol.Payloader) {
	frame, err := protocol.NewFrame(msgType, msg)
	if err != nil {
		errorLog.Printf("Connection %d: failed to encode %s: %v", c.ID, protocol.TypeName(msgType), err)
		return
	}
	if err := s.writeFrame(c, frame); err != nil {
		s.removeConn(c.ID, true)
	}
}

// sendAck sends a status reply.
func (s *Server) sendAck(c *Conn, code uint16, message string) {
	s.send(c, protocol.TypeAck, &protocol.AckMessage{Code: code, Message: message})
}
