package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lexiqai/voice-connector/internal/config"
	"github.com/lexiqai/voice-connector/internal/observability"
	"github.com/lexiqai/voice-connector/internal/stt"
	"github.com/lexiqai/voice-connector/internal/telephony"
)

const (
	serviceName = "voice-connector"
	version     = "1.0.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogPretty, os.Stdout)

	logger.Info().
		Str("port", cfg.Port).
		Str("grpc_port", cfg.GRPCPort).
		Str("vosk_url", cfg.VoskURL).
		Int("sample_rate", cfg.VoskSampleRate).
		Str("rtp_addr", cfg.RTPListenAddr).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Connector starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("Voice Connector failed")
		os.Exit(1)
	}
	logger.Info().Msg("Voice Connector exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	sessionCfg := cfg.SessionConfig()
	if err := sessionCfg.Validate(); err != nil {
		return err
	}

	sink, closeSink, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	listener := telephony.NewListener(telephony.ListenerConfig{
		Addr:        cfg.RTPListenAddr,
		IdleTimeout: cfg.CallIdleTimeout(),
		SampleRate:  cfg.VoskSampleRate,
	}, telephony.STTSessionFactory(sessionCfg, logger), sink, logger)
	if err := listener.Listen(); err != nil {
		return err
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      newMux(cfg, sessionCfg, listener, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		err := listener.Serve(gctx)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen on grpc port %s: %w", cfg.GRPCPort, err)
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("gRPC health server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		healthServer.Shutdown()
		grpcServer.GracefulStop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}

// buildSink always logs phrases and also publishes them to NATS when configured
func buildSink(cfg *config.Config, logger zerolog.Logger) (telephony.PhraseSink, func(), error) {
	sinks := telephony.MultiSink{telephony.NewLogSink(logger)}
	if cfg.NATSURL == "" {
		return sinks, func() {}, nil
	}

	nc, err := telephony.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", cfg.NATSSubjectPrefix).
		Msg("Publishing phrases to NATS")

	sinks = append(sinks, telephony.NewNATSSink(nc, cfg.NATSSubjectPrefix))
	return sinks, func() {
		if err := nc.Drain(); err != nil {
			logger.Warn().Err(err).Msg("Failed to drain NATS connection")
		}
	}, nil
}

func newMux(cfg *config.Config, sessionCfg stt.Config, listener *telephony.Listener, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", observability.HealthCheckHandler(serviceName, version))

	dialer := &stt.WebsocketDialer{}
	checks := map[string]observability.HealthCheckFunc{
		"rtp_listener": func(ctx context.Context) (bool, error) {
			if !listener.Ready() {
				return false, errors.New("RTP listener is not serving")
			}
			return true, nil
		},
		"vosk": func(ctx context.Context) (bool, error) {
			conn, err := dialer.Dial(ctx, sessionCfg.URL)
			if err != nil {
				return false, err
			}
			conn.Close()
			return true, nil
		},
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(serviceName, version, checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	return mux
}
