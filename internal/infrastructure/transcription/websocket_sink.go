package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"telecall/internal/core/domain"
	"telecall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig configures the streaming transcription connection.
type WebSocketConfig struct {
	URL          string
	CallID       domain.CallID
	QueueSize    int
	WriteTimeout time.Duration
	Dial         retry.Config
}

// Transcript is a text result pushed back by the transcription service.
type Transcript struct {
	Text     string  `json:"text"`
	IsFinal  bool    `json:"is_final"`
	Language string  `json:"language,omitempty"`
	Offset   float64 `json:"offset,omitempty"`
}

type controlEvent struct {
	Event      string        `json:"event"`
	CallID     domain.CallID `json:"call_id,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Encoding   string        `json:"encoding,omitempty"`
	Channels   int           `json:"channels,omitempty"`
}

// WebSocketSink streams PCM frames as binary messages. OnFrame never blocks
// the audio path: frames queue for a writer goroutine and the oldest queued
// frame is dropped when the queue is full.
type WebSocketSink struct {
	config WebSocketConfig
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	frames  chan domain.PcmFrame
	dropped atomic.Uint64
	sent    atomic.Uint64

	mu           sync.Mutex
	onTranscript func(Transcript)
	closed       bool

	cancel     context.CancelFunc
	writerDone chan struct{}
	readerDone chan struct{}
}

// DialWebSocketSink connects to the transcription service and announces the
// stream format.
func DialWebSocketSink(ctx context.Context, config WebSocketConfig, logger *zap.SugaredLogger) (*WebSocketSink, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 50
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	conn, err := retry.RetryWithResult(ctx, config.Dial, func() (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, config.URL, nil)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to transcription service: %w", err)
	}

	start := controlEvent{
		Event:      "start",
		CallID:     config.CallID,
		SampleRate: domain.TranscriptionSampleRate,
		Encoding:   "pcm_s16le",
		Channels:   1,
	}
	conn.SetWriteDeadline(time.Now().Add(config.WriteTimeout))
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start transcription stream: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &WebSocketSink{
		config: config,
		conn:   conn,
		logger: logger.With("call_id", config.CallID),
		frames: make(chan domain.PcmFrame, config.QueueSize),
		cancel: cancel,

		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.writeLoop(runCtx)
	go s.readLoop()
	return s, nil
}

// OnTranscript registers the callback for transcription results.
func (s *WebSocketSink) OnTranscript(fn func(Transcript)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = fn
}

// OnFrame queues a frame. The sink owns the frame from here on.
func (s *WebSocketSink) OnFrame(frame domain.PcmFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("transcription sink closed")
	}

	for {
		select {
		case s.frames <- frame:
			return nil
		default:
		}
		select {
		case <-s.frames:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				s.logger.Warnw("transcription queue full, dropping oldest frame", "dropped", n)
			}
		default:
		}
	}
}

func (s *WebSocketSink) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		select {
		case <-ctx.Done():
			// Flush what is already queued before the stop event.
			for {
				select {
				case frame := <-s.frames:
					if !s.write(frame) {
						return
					}
				default:
					return
				}
			}
		case frame := <-s.frames:
			if !s.write(frame) {
				return
			}
		}
	}
}

func (s *WebSocketSink) write(frame domain.PcmFrame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Bytes()); err != nil {
		s.logger.Errorw("failed to send audio frame", "error", err)
		return false
	}
	s.sent.Add(1)
	return true
}

func (s *WebSocketSink) readLoop() {
	defer close(s.readerDone)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Warnw("transcription connection lost", "error", err)
			}
			return
		}
		var t Transcript
		if err := json.Unmarshal(msg, &t); err != nil || t.Text == "" {
			continue
		}
		s.mu.Lock()
		fn := s.onTranscript
		s.mu.Unlock()
		if fn != nil {
			fn(t)
		}
	}
}

// Sent returns the number of frames written to the service.
func (s *WebSocketSink) Sent() uint64 {
	return s.sent.Load()
}

// Dropped returns the number of frames discarded on overflow.
func (s *WebSocketSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops streaming and tells the service the stream ended.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.writerDone

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(controlEvent{Event: "stop", CallID: s.config.CallID}); err != nil {
		s.logger.Debugw("failed to send stop event", "error", err)
	}
	err := s.conn.Close()
	<-s.readerDone
	s.logger.Infow("transcription stream closed", "sent", s.sent.Load(), "dropped", s.dropped.Load())
	return err
}
