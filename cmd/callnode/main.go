package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"telecall/internal/core/domain"
	"telecall/internal/core/ports"
	"telecall/internal/core/services"
	httphandlers "telecall/internal/handlers/http"
	"telecall/internal/infrastructure/middleware"
	"telecall/internal/infrastructure/monitoring"
	signalinfra "telecall/internal/infrastructure/signal"
	"telecall/internal/infrastructure/transcription"
	webrtcinfra "telecall/internal/infrastructure/webrtc"
	"telecall/pkg/config"
	apperrors "telecall/pkg/errors"
	"telecall/pkg/logger"
	"telecall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	callID := flag.String("call", "", "call identifier shared by both peers (generated when empty)")
	localPeer := flag.String("peer", "", "local peer identifier")
	remotePeer := flag.String("remote", "", "remote peer identifier")
	audioPath := flag.String("audio", "", "raw float32 little-endian mono PCM file, or - for stdin")
	blockSize := flag.Int("block", 960, "samples per audio capture block")
	video := flag.Bool("video", true, "send a video track")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zapLogger := logger.New("info")
		zapLogger.Sugar().Fatalw("failed to load config", "path", *configPath, "error", err)
	}

	zapLogger := logger.Build(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer zapLogger.Sync()
	boot := zapLogger.Sugar().With("component", "callnode")

	id := domain.CallID(*callID)
	if id == "" {
		id = services.NewCallID()
	}
	if err := checkIdentities(id, *localPeer, *remotePeer); err != nil {
		boot.Fatalw("invalid call identity", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Tracing.ServiceName = cfg.Tracing.ServiceName + "-callnode"
	tp, err := tracing.Init(cfg.Tracing)
	if err != nil {
		boot.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, span := tracing.StartSpan(ctx, "call",
		trace.WithAttributes(tracing.CallIDKey.String(string(id)), tracing.PeerIDKey.String(*localPeer)))
	ctx = logger.WithCallID(ctx, string(id))
	ctx = logger.WithPeerID(ctx, *localPeer)
	ctx = logger.WithTraceID(ctx, tracing.TraceID(ctx))
	callLog := logger.NewContextLogger(zapLogger).Sugar(ctx)
	log := callLog.With("component", "callnode")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(reg)

	sessionCfg, err := sessionConfig(cfg, id, domain.PeerID(*localPeer), domain.PeerID(*remotePeer))
	if err != nil {
		log.Fatalw("invalid call configuration", "error", err)
	}
	sessionCfg.Tracks = []domain.TrackKind{domain.TrackAudio}
	if *video {
		sessionCfg.Tracks = append(sessionCfg.Tracks, domain.TrackVideo)
	}

	adapter, err := webrtcinfra.NewPeerConnectionAdapter(webrtcConfig(cfg, id), callLog.With("component", "webrtc"))
	if err != nil {
		log.Fatalw("failed to create peer connection", "error", err)
	}
	adapter.OnEncodingChange(func(profile domain.QualityProfile) error {
		log.Infow("encoder profile changed",
			"level", profile.Level,
			"bitrate_kbps", profile.MaxBitrateKbps,
			"resolution", profile.Resolution,
			"video", profile.VideoEnabled,
		)
		return nil
	})

	audioStats := webrtcinfra.NewRTCPStatsSource(48000, 2*cfg.Quality.Interval, log.With("track", "audio"))
	videoStats := webrtcinfra.NewRTCPStatsSource(90000, 2*cfg.Quality.Interval, log.With("track", "video"))
	adapter.OnSender(func(kind domain.TrackKind, sender *webrtc.RTPSender) {
		switch kind {
		case domain.TrackAudio:
			audioStats.Watch(ctx, sender)
		case domain.TrackVideo:
			videoStats.Watch(ctx, sender)
		}
	})
	stats := webrtcinfra.NewPionStatsSource(adapter.PeerConnection(), statsChain{videoStats, audioStats})

	clientCfg := signalinfra.ClientConfig{
		URL:          cfg.Signal.URL,
		CallID:       id,
		PeerID:       domain.PeerID(*localPeer),
		WriteTimeout: cfg.Signal.WriteTimeout,
		Dial:         cfg.Signal.Dial,
	}
	if cfg.RateLimiting.Enabled {
		clientCfg.MessagesPerSec = cfg.RateLimiting.WebSocket.MessagesPerSecond
		clientCfg.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	client, err := signalinfra.Dial(ctx, clientCfg, callLog.With("component", "signaling"))
	if err != nil {
		adapter.Close()
		log.Fatalw("failed to connect to signaling relay", "url", cfg.Signal.URL, "error", err)
	}

	sink, closeSink, err := transcriptionSink(ctx, cfg, id, callLog.With("component", "transcription"))
	if err != nil {
		client.Close()
		adapter.Close()
		log.Fatalw("failed to open transcription sink", "mode", cfg.Transcription.Mode, "error", err)
	}

	session, err := services.NewCallSession(sessionCfg, services.SessionDeps{
		Engine:    adapter,
		Media:     adapter,
		Signaling: client,
		Stats:     stats,
		Sink:      sink,
		Metrics:   collector.ForCall(id),
		Logger:    callLog.With("component", "call"),
	})
	if err != nil {
		log.Fatalw("failed to create call", "error", err)
	}
	adapter.OnLocalCandidate(session.SendLocalCandidate)
	session.OnFailure(func(err error) {
		appErr := callFailure(err)
		log.Errorw("call ended by failure", "code", appErr.Code, "message", appErr.Message, "error", err)
	})

	registry := services.NewCallRegistry()
	if err := registry.Add(session); err != nil {
		log.Fatalw("failed to register call", "code", callFailure(err).Code, "error", err)
	}

	audio, closeAudio, err := openAudio(ctx, *audioPath, *blockSize, log)
	if err != nil {
		log.Fatalw("failed to open audio input", "path", *audioPath, "error", err)
	}
	defer closeAudio()

	if err := session.Start(ctx, audio); err != nil {
		appErr := callFailure(err)
		log.Fatalw("failed to start call", "code", appErr.Code, "error", err)
	}

	health := monitoring.NewHealthChecker()
	health.AddConnectionCheck("signaling", client.Done())
	health.AddCapacityCheck("calls", registry.Len, cfg.Server.MaxCalls)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.NewCORSMiddleware(cfg))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	router.Use(middleware.ErrorHandlerMiddleware(log))

	metricsPath := ""
	if cfg.Monitoring.PrometheusEnabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	httphandlers.NewCallHandler(registry, health, reg).SetupRoutes(router, metricsPath)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting control surface", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control surface: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Signaling is authoritative for liveness: losing it ends the call
		// even while stats still arrive.
		select {
		case <-gctx.Done():
			return nil
		case <-client.Done():
			return errSignalingLost
		case <-session.Done():
			return errCallFinished
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		registry.EndAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	switch err := g.Wait(); {
	case err == nil:
		log.Infow("received shutdown signal")
	case errors.Is(err, errSignalingLost):
		log.Warnw("signaling connection lost, call ended")
	case errors.Is(err, errCallFinished):
		log.Infow("call ended", "error", session.Err())
	default:
		log.Errorw("call node failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := client.Close(); err != nil {
		log.Debugw("error closing signaling connection", "error", err)
	}
	if err := closeSink(); err != nil {
		log.Debugw("error closing transcription sink", "error", err)
	}
	if err := adapter.Close(); err != nil {
		log.Debugw("error closing peer connection", "error", err)
	}
	if err := session.Err(); err != nil {
		tracing.RecordError(ctx, err)
	}
	span.End()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracing", "error", err)
	}

	log.Infow("call node stopped", "frames_emitted", session.Snapshot().FramesEmitted)
	if err := session.Err(); err != nil && callFailure(err).CallFailure() {
		zapLogger.Sync()
		os.Exit(1)
	}
}

var (
	errSignalingLost = errors.New("signaling connection lost")
	errCallFinished  = errors.New("call finished")
)

func webrtcConfig(cfg *config.Config, id domain.CallID) webrtcinfra.WebRTCConfig {
	wc := webrtcinfra.WebRTCConfig{
		MaxBitrateKbps: cfg.WebRTC.MaxBitrateKbps,
		StreamID:       string(id),
	}
	for _, s := range cfg.WebRTC.ICEServers {
		wc.ICEServers = append(wc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(wc.ICEServers) == 0 {
		wc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

// transcriptionSink opens the configured outlet(s) for encoded audio.
func transcriptionSink(ctx context.Context, cfg *config.Config, id domain.CallID, log *zap.SugaredLogger) (ports.TranscriptionSink, func() error, error) {
	var (
		sinks   transcription.MultiSink
		closers []io.Closer
	)
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	mode := cfg.Transcription.Mode
	if mode == "websocket" || mode == "both" {
		ws, err := transcription.DialWebSocketSink(ctx, transcription.WebSocketConfig{
			URL:          cfg.Transcription.URL,
			CallID:       id,
			QueueSize:    cfg.Transcription.QueueSize,
			WriteTimeout: cfg.Signal.WriteTimeout,
			Dial:         cfg.Transcription.Dial,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		ws.OnTranscript(func(t transcription.Transcript) {
			if t.IsFinal {
				log.Infow("transcript", "text", t.Text)
			}
		})
		sinks = append(sinks, transcription.NewGuardedSink("websocket", ws, cfg.Transcription.Breaker, log))
		closers = append(closers, ws)
	}
	if mode == "rtp" || mode == "both" {
		conn, err := net.Dial("udp", cfg.Transcription.RTPAddress)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("dial rtp %s: %w", cfg.Transcription.RTPAddress, err)
		}
		rtpSink := transcription.NewRTPFrameSink(conn, transcription.RTPConfig{})
		sinks = append(sinks, transcription.NewGuardedSink("rtp", rtpSink, cfg.Transcription.Breaker, log))
		closers = append(closers, conn)
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

// openAudio returns the capture channel. Without a path there is no input
// device and the channel is nil.
func openAudio(ctx context.Context, path string, blockSize int, log *zap.SugaredLogger) (<-chan []float32, func() error, error) {
	switch path {
	case "":
		return nil, func() error { return nil }, nil
	case "-":
		return readAudio(ctx, os.Stdin, blockSize, log), func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return readAudio(ctx, f, blockSize, log), f.Close, nil
}

// callFailure maps a call-level error onto the error code reported to
// operators.
func callFailure(err error) *apperrors.AppError {
	switch {
	case apperrors.IsAppError(err):
		return apperrors.GetAppError(err)
	case errors.Is(err, domain.ErrNegotiationExhausted):
		return apperrors.NewNegotiationExhaustedError(err)
	case errors.Is(err, domain.ErrNoAudioInput):
		return apperrors.NewAudioInputUnavailableError(err)
	case errors.Is(err, domain.ErrCallEnded):
		return apperrors.NewCallEndedError(err)
	case errors.Is(err, domain.ErrCallExists):
		return apperrors.NewConflictError(err.Error())
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "call failed", http.StatusInternalServerError)
	}
}
