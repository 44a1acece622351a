package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silviot/simli_live_avatar_go/pkg/config"
	"github.com/silviot/simli_live_avatar_go/pkg/media"
	"github.com/silviot/simli_live_avatar_go/pkg/metrics"
	"github.com/silviot/simli_live_avatar_go/pkg/session"
)

func main() {
	// Parse flags
	var (
		configPath  = flag.String("config", "", "Config file (.toml, .yaml or .yml)")
		envFile     = flag.String("env-file", "", "Env file to load before the environment (default ./.env)")
		apiKey      = flag.String("api-key", "", "Simli API key")
		faceID      = flag.String("face-id", "", "Avatar face ID")
		relay       = flag.Bool("relay", false, "Receive media through a LiveKit room")
		audioPath   = flag.String("audio", "", "Raw PCM16 mono 16kHz audio to send, - for stdin")
		realtime    = flag.Bool("realtime", true, "Send audio at playback speed")
		outAudio    = flag.String("out-audio", "", "Write the avatar's audio here as raw PCM16")
		sampleRate  = flag.Int("sample-rate", media.NativeSampleRate, "Sample rate of -out-audio")
		snapshot    = flag.String("snapshot", "", "Write the first video frame here as PNG")
		metricsAddr = flag.String("metrics-addr", "", "Serve /metrics and /healthz on this address")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(*configPath, envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override the file and the environment
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-key":
			cfg.APIKey = *apiKey
		case "face-id":
			cfg.FaceID = *faceID
		case "relay":
			cfg.Relay = *relay
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Set SIMLI_API_KEY and SIMLI_FACE_ID, or pass -api-key and -face-id\n")
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogger(cfg.LogLevel)

	logger.Info("starting avatar session",
		"api_url", cfg.APIURL,
		"face_id", cfg.FaceID,
		"relay", cfg.Relay,
		"frame_timeout", cfg.FrameTimeout)

	reg := metrics.NewRegistry()
	sess, err := session.New(session.Config{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(reg),
		PaceAudio: *realtime,
	})
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	var server *http.Server
	if cfg.MetricsAddr != "" {
		server = startHTTP(cfg.MetricsAddr, sess, reg, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Initialize(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if *snapshot != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := writeSnapshot(ctx, sess, *snapshot, logger); err != nil {
				logger.Error("snapshot failed", "error", err)
			}
		}()
	}
	if *outAudio != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recordAudio(ctx, sess, *outAudio, *sampleRate, logger); err != nil {
				logger.Error("audio recording failed", "error", err)
			}
		}()
	}
	if *audioPath != "" {
		go func() {
			if err := sendAudio(ctx, sess, *audioPath, logger); err != nil {
				logger.Error("audio upload failed", "error", err)
			}
		}()
	}

	// Wait for shutdown signal or the service ending the session
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received, draining session")
	case <-sess.Done():
		logger.Info("session ended", "error", sess.Err())
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	sess.Stop(shutdownCtx, true)
	wg.Wait()

	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}

	logger.Info("avatar session stopped")
}

func startHTTP(addr string, sess *session.Session, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: newMux(sess, reg),
	}
	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()
	return server
}

func newMux(sess *session.Session, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Health check endpoint
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !sess.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"running":    sess.Running(),
			"ready":      sess.Ready(),
			"latency_ms": sess.Latency().Milliseconds(),
			"timestamp":  time.Now().Unix(),
		})
	})
	return mux
}

func sendAudio(ctx context.Context, sess *session.Session, path string, logger *slog.Logger) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	n, err := sess.StreamAudio(ctx, bufio.NewReader(r))
	if err != nil {
		return err
	}
	logger.Info("audio sent", "bytes", n, "duration", time.Duration(n/2)*time.Second/16000)
	return nil
}

func recordAudio(ctx context.Context, sess *session.Session, path string, rate int, logger *slog.Logger) error {
	stream, err := sess.AudioFrames(rate)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	frames := 0
	for frame := range stream.All(ctx) {
		if _, err := w.Write(frame.Bytes()); err != nil {
			return err
		}
		frames++
	}
	logger.Info("audio recorded", "frames", frames, "path", path)
	return nil
}

func writeSnapshot(ctx context.Context, sess *session.Session, path string, logger *slog.Logger) error {
	stream, err := sess.VideoFrames(media.PixelFormatRGBA)
	if err != nil {
		return err
	}
	frame, err := stream.Next(ctx)
	if errors.Is(err, io.EOF) {
		return errors.New("video ended before the first frame")
	}
	if err != nil {
		return err
	}

	img := &image.RGBA{
		Pix:    frame.Planes[0],
		Stride: frame.Strides[0],
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return err
	}
	logger.Info("snapshot written", "path", path, "width", frame.Width, "height", frame.Height)

	// keep consuming so the transport is not back-pressured
	for range stream.All(ctx) {
	}
	return nil
}

// setupLogger creates a structured logger
func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
