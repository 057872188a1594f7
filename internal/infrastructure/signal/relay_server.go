package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"telecall/internal/core/domain"
	"telecall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// RelayConfig tunes the relay's timeouts and per-connection limits.
type RelayConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MessagesPerSec float64
	Burst          int
	BacklogSize    int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MessagesPerSec: 50,
		Burst:          100,
		BacklogSize:    64,
	}
}

// errorMessage is sent back to a peer whose message was rejected.
type errorMessage struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// RelayServer forwards signaling messages between the two peers of a call.
// Messages sent before the other peer joins are held and delivered on join.
type RelayServer struct {
	config RelayConfig
	logger *zap.SugaredLogger

	mu    sync.Mutex
	rooms map[domain.CallID]*room
}

type room struct {
	peers   map[domain.PeerID]*peerConn
	backlog []domain.SignalMessage
}

type peerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
}

func (p *peerConn) writeJSON(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writeJSONLocked(v)
}

func (p *peerConn) writeJSONLocked(v interface{}) error {
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	return p.conn.WriteJSON(v)
}

func (p *peerConn) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.timeout))
	return p.conn.WriteMessage(websocket.PingMessage, nil)
}

func NewRelayServer(config RelayConfig, logger *zap.SugaredLogger) *RelayServer {
	def := DefaultRelayConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.MessagesPerSec <= 0 {
		config.MessagesPerSec = def.MessagesPerSec
	}
	if config.Burst <= 0 {
		config.Burst = def.Burst
	}
	if config.BacklogSize <= 0 {
		config.BacklogSize = def.BacklogSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayServer{
		config: config,
		logger: logger,
		rooms:  make(map[domain.CallID]*room),
	}
}

// HandleWebSocket serves /ws?call_id=...&peer_id=...
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	callID := domain.CallID(r.URL.Query().Get("call_id"))
	peerID := domain.PeerID(r.URL.Query().Get("peer_id"))
	if err := validation.ValidateCallID(string(callID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pc := &peerConn{conn: conn, timeout: s.config.WriteTimeout}
	backlog, reconnect, err := s.join(callID, peerID, pc)
	if err != nil {
		s.logger.Warnw("rejecting peer", "call_id", callID, "peer_id", peerID, "error", err)
		pc.writeJSON(errorMessage{Kind: "error", Error: err.Error()})
		return
	}
	defer s.leave(callID, peerID, pc)

	s.logger.Infow("peer connected", "call_id", callID, "peer_id", peerID, "reconnect", reconnect)

	if err := deliverBacklog(pc, backlog); err != nil {
		s.logger.Infow("failed to deliver backlog", "peer_id", peerID, "error", err)
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan domain.SignalMessage, 16)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg domain.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
			messageChan <- msg
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(s.config.MessagesPerSec), s.config.Burst)

	for {
		select {
		case msg := <-messageChan:
			if !limiter.Allow() {
				pc.writeJSON(errorMessage{Kind: "error", Error: "rate limit exceeded"})
				continue
			}
			if err := s.relay(callID, peerID, msg); err != nil {
				s.logger.Infow("error relaying message", "peer_id", peerID, "kind", msg.Kind, "error", err)
				pc.writeJSON(errorMessage{Kind: "error", Error: err.Error()})
			}

		case <-pingTicker.C:
			if err := pc.ping(); err != nil {
				s.logger.Infow("error sending ping", "peer_id", peerID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "peer_id", peerID, "error", err)
			}
			return
		}
	}
}

// join registers pc in the call. On success pc's write lock is held, so live
// messages routed to pc queue behind the backlog; the caller must release it
// through deliverBacklog.
func (s *RelayServer) join(callID domain.CallID, peerID domain.PeerID, pc *peerConn) ([]domain.SignalMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[callID]
	if !ok {
		rm = &room{peers: make(map[domain.PeerID]*peerConn)}
		s.rooms[callID] = rm
	}

	existing, reconnect := rm.peers[peerID]
	if !reconnect && len(rm.peers) >= 2 {
		return nil, false, fmt.Errorf("call %s already has two peers", callID)
	}
	if reconnect {
		existing.conn.Close()
	}
	pc.writeMu.Lock()
	rm.peers[peerID] = pc

	var backlog []domain.SignalMessage
	kept := rm.backlog[:0]
	for _, msg := range rm.backlog {
		if msg.From == peerID {
			kept = append(kept, msg)
		} else {
			backlog = append(backlog, msg)
		}
	}
	rm.backlog = kept
	return backlog, reconnect, nil
}

// deliverBacklog writes held messages and releases the write lock taken by
// join.
func deliverBacklog(pc *peerConn, backlog []domain.SignalMessage) error {
	defer pc.writeMu.Unlock()
	for _, msg := range backlog {
		if err := pc.writeJSONLocked(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *RelayServer) leave(callID domain.CallID, peerID domain.PeerID, pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[callID]
	if !ok {
		return
	}
	if rm.peers[peerID] == pc {
		delete(rm.peers, peerID)
	}
	if len(rm.peers) == 0 {
		delete(s.rooms, callID)
	}
	s.logger.Infow("peer disconnected", "call_id", callID, "peer_id", peerID)
}

func (s *RelayServer) relay(callID domain.CallID, from domain.PeerID, msg domain.SignalMessage) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	msg.From = from

	s.mu.Lock()
	rm, ok := s.rooms[callID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("call %s not found", callID)
	}
	var target *peerConn
	for id, pc := range rm.peers {
		if id != from {
			target = pc
		}
	}
	if target == nil {
		if len(rm.backlog) >= s.config.BacklogSize {
			s.mu.Unlock()
			return fmt.Errorf("backlog full for call %s", callID)
		}
		rm.backlog = append(rm.backlog, msg)
		s.mu.Unlock()
		s.logger.Debugw("holding message until remote peer joins", "call_id", callID, "kind", msg.Kind)
		return nil
	}
	s.mu.Unlock()

	s.logger.Debugw("routing message", "call_id", callID, "from_peer", from, "kind", msg.Kind)
	return target.writeJSON(msg)
}

func validateMessage(msg domain.SignalMessage) error {
	switch msg.Kind {
	case domain.MessageOffer, domain.MessageAnswer:
		if msg.Description == nil {
			return fmt.Errorf("%s without description", msg.Kind)
		}
		return validation.ValidateSDP(msg.Description.SDP)
	case domain.MessageCandidate:
		if msg.Candidate == nil {
			return fmt.Errorf("candidate message without candidate")
		}
		return nil
	default:
		return fmt.Errorf("unknown message kind: %q", msg.Kind)
	}
}

// Rooms returns the number of calls with at least one connected peer.
func (s *RelayServer) Rooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// HealthCheck reports open calls and connected peers.
func (s *RelayServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rooms := len(s.rooms)
	connections, held := 0, 0
	for _, rm := range s.rooms {
		connections += len(rm.peers)
		held += len(rm.backlog)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"calls":       rooms,
		"connections": connections,
		"held":        held,
		"timestamp":   time.Now().Unix(),
	})
}
