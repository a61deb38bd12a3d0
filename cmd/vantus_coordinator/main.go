package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vantus-tm/vantus/config/certs"
	"github.com/vantus-tm/vantus/core/admin"
	"github.com/vantus-tm/vantus/core/propagation"
	"github.com/vantus-tm/vantus/core/registry"
	"github.com/vantus-tm/vantus/core/txn"
	internaltelemetry "github.com/vantus-tm/vantus/internal/telemetry"
	"github.com/vantus-tm/vantus/pkg/logger"
	"github.com/vantus-tm/vantus/pkg/telemetry"
)

var (
	nodeID          = flag.String("node_id", "vantus1", "Unique ID for this coordinator node")
	propagationAddr = flag.String("propagation_addr", "0.0.0.0:4850", "UDP bind address for the QUIC propagation endpoint")
	adminAddr       = flag.String("admin_addr", "127.0.0.1:4851", "TCP bind address for the admin command channel")

	caCertPath     = flag.String("ca_cert", "", "Path to the CA certificate (PEM)")
	serverCertPath = flag.String("server_cert", "", "Path to the server certificate (PEM)")
	serverKeyPath  = flag.String("server_key", "", "Path to the server private key (PEM)")
	devTLS         = flag.Bool("dev_tls", false, "Generate an in-memory self-signed certificate instead of loading one")

	defaultTimeout = flag.Duration("default_timeout", 30*time.Second, "Default transaction timeout")
	reapInterval   = flag.Duration("reap_interval", 500*time.Millisecond, "Cadence of the expired-transaction scan")
	importsPerSec  = flag.Float64("imports_per_sec", 0, "Inbound import rate limit (0 disables)")

	logLevel  = flag.String("log_level", "info", "Minimum log level")
	logFormat = flag.String("log_format", "json", "Log output format (json or console)")

	telemetryEnabled = flag.Bool("telemetry", false, "Enable OpenTelemetry metrics and tracing")
	prometheusPort   = flag.Int("prometheus_port", 9464, "Port for the Prometheus /metrics endpoint")
)

const shutdownTimeout = 5 * time.Second

func main() {
	flag.Parse()

	zlogger, err := logger.New(logger.Config{
		Level:      *logLevel,
		Format:     *logFormat,
		OutputFile: "stdout",
	})
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	zlogger = zlogger.With(zap.String("node_id", *nodeID))

	if err := run(zlogger); err != nil {
		zlogger.Fatal("coordinator exited with error", zap.Error(err))
	}
}

func run(zlogger *zap.Logger) error {
	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *telemetryEnabled,
		ServiceName:    "vantus-coordinator",
		PrometheusPort: *prometheusPort,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telShutdown(ctx); err != nil {
			zlogger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("creating metric instruments: %w", err)
	}

	serverTLS, err := loadServerTLS()
	if err != nil {
		return err
	}

	reg := registry.New(registry.Config{
		DefaultTimeout: *defaultTimeout,
		ReapInterval:   *reapInterval,
		Logger:         zlogger,
		Hooks:          txnHooks(metrics),
	})
	defer reg.Close()

	propSrv, err := propagation.NewServer(propagation.ServerConfig{
		Addr:             *propagationAddr,
		TLS:              serverTLS,
		ImportsPerSecond: *importsPerSec,
		Logger:           zlogger,
		Tracer:           tel.Tracer,
		Hooks: propagation.ServerHooks{
			OnRequest: func(op string) {
				metrics.RecordInbound(context.Background(), op)
			},
		},
	}, reg)
	if err != nil {
		return fmt.Errorf("building propagation server: %w", err)
	}
	if err := propSrv.Start(); err != nil {
		return fmt.Errorf("starting propagation server: %w", err)
	}
	defer propSrv.Close()

	adminSrv, err := admin.NewServer(admin.Config{Addr: *adminAddr, Logger: zlogger}, reg)
	if err != nil {
		return fmt.Errorf("building admin server: %w", err)
	}
	if err := adminSrv.Start(); err != nil {
		return fmt.Errorf("starting admin server: %w", err)
	}
	defer adminSrv.Close()

	zlogger.Info("coordinator started",
		zap.String("propagation_addr", *propagationAddr),
		zap.String("admin_addr", adminSrv.Addr()),
		zap.Duration("default_timeout", *defaultTimeout))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zlogger.Info("shutting down", zap.String("signal", s.String()))
	return nil
}

// loadServerTLS picks between provisioned certificates and the development
// self-signed fallback.
func loadServerTLS() (*tls.Config, error) {
	if *devTLS {
		serverTLS, _, err := certs.GenerateSelfSigned("localhost")
		if err != nil {
			return nil, fmt.Errorf("generating dev certificate: %w", err)
		}
		return serverTLS, nil
	}
	if *caCertPath == "" || *serverCertPath == "" || *serverKeyPath == "" {
		return nil, fmt.Errorf("either -dev_tls or -ca_cert/-server_cert/-server_key are required")
	}
	return certs.LoadServerTLSConfig(*caCertPath, *serverCertPath, *serverKeyPath)
}

// txnHooks bridges transaction lifecycle events onto the metric instruments.
// Hook callbacks run with the transaction lock held, so they only touch the
// instruments.
func txnHooks(metrics *internaltelemetry.TxnMetrics) *txn.Hooks {
	ctx := context.Background()
	return &txn.Hooks{
		OnStateChange: func(tx *txn.Transaction, from, to txn.State) {
			// Every transaction leaves ACTIVE exactly once, which pairs the
			// up-count with the terminal down-count below.
			if from == txn.StateActive {
				metrics.RecordBegun(ctx, tx.Imported())
			}
			if to.Terminal() {
				metrics.RecordCompleted(ctx, to.String())
			}
		},
		OnPhase: func(_ *txn.Transaction, phase string, elapsed time.Duration) {
			metrics.RecordPhase(ctx, phase, elapsed)
		},
		OnHeuristic: func(_ *txn.Transaction, outcome txn.State) {
			metrics.RecordHeuristic(ctx, outcome.String())
		},
	}
}
