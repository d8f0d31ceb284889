package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"github.com/united-manufacturing-hub/umh-utils/logger"
	"go.uber.org/zap"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/mqtt"
	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/shared"
	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/sink"
	"github.com/curzon01/mqtt2sql/internal"
)

var version = "3.0.0"

func main() {
	InitLogging()
	zap.S().Infof("mqtt2sql[%d] v%s start", os.Getpid(), version)

	cfg, err := config.Load()
	if err != nil {
		zap.S().Errorf("Configuration error: %s", err)
		exit(shared.ExitMissingBackend)
	}
	logSettings(cfg)

	InitPrometheus()

	state := shared.NewState()
	backend, err := sink.NewBackend(cfg.SQL)
	if err != nil {
		zap.S().Errorf("Storage backend error: %s", err)
		exit(shared.ExitMissingBackend)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = backend.EnsureTable(bootstrapCtx)
	bootstrapCancel()
	if err != nil {
		zap.S().Errorf("SQL connection ERROR: %s", err)
		exit(shared.ExitSQLConnection)
	}

	// session and snk are captured by the shutdown handler before they are
	// assigned; a signal delivered during startup finds them nil.
	var snk *sink.Sink
	var session *mqtt.Session
	gs := internal.NewGracefulShutdown(func() error {
		if session != nil {
			session.Disconnect(1000)
		}
		if snk != nil {
			return snk.Drain(25 * time.Second)
		}
		return nil
	}, state.ExitCode)

	snk = sink.New(backend, cfg.SQL, state, gs)
	session = mqtt.NewSession(cfg.MQTT, state, snk, gs)

	if err = session.Connect(); err != nil {
		zap.S().Errorf("MQTT connection ERROR: %s", err)
		exit(shared.ExitMQTTConnection)
	}

	InitHealthCheck(session, snk)

	session.Run()
	gs.Wait()
}

func exit(code int) {
	zap.S().Infof("mqtt2sql[%d] v%s end", os.Getpid(), version)
	_ = zap.S().Sync()
	os.Exit(code)
}

func InitLogging() {
	logLevel, _ := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION") //nolint:errcheck
	_ = logger.New(logLevel)
}

func InitPrometheus() {
	// Prometheus
	metricsPath := "/metrics"
	metricsPort := ":2112"
	zap.S().Debugf("Setting up metrics %s %v", metricsPath, metricsPort)

	http.Handle(metricsPath, promhttp.Handler())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe(metricsPort, nil)
		if err != nil {
			zap.S().Errorf("Error starting metrics: %s", err)
		}
	}()
}

func InitHealthCheck(session *mqtt.Session, snk *sink.Sink) {
	zap.S().Debugf("Setting up healthcheck")

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("mqtt-check", session.HealthCheck())
	health.AddReadinessCheck("database", snk.HealthCheck())
	go func() {
		/* #nosec G114 */
		err := http.ListenAndServe("0.0.0.0:8086", health)
		if err != nil {
			zap.S().Errorf("Error starting healthcheck: %s", err)
		}
	}()
}

func logSettings(cfg *config.Config) {
	zap.S().Infof("  MQTT broker: %s%s keepalive %s", cfg.MQTT.BrokerURL,
		tlsSuffix(cfg.MQTT), cfg.MQTT.Keepalive)
	zap.S().Infof("       user:    %s", cfg.MQTT.Username)
	zap.S().Infof("       topics:  %v", cfg.MQTT.Topics)
	zap.S().Infof("       exclude: %v", cfg.MQTT.ExcludeTopics)
	zap.S().Infof("  SQL  type:    %s", cfg.SQL.Type)
	if cfg.SQL.Type == config.BackendSQLite {
		zap.S().Infof("       file:    %s [max %d connections]", cfg.SQL.Database, cfg.SQL.MaxConnections)
	} else {
		zap.S().Infof("       server:  %s:%d [max %d connections]", cfg.SQL.Host, cfg.SQL.Port, cfg.SQL.MaxConnections)
		zap.S().Infof("       db:      %s", cfg.SQL.Database)
		zap.S().Infof("       user:    %s", cfg.SQL.Username)
	}
	zap.S().Infof("       table:   %s", cfg.SQL.Table)
}

func tlsSuffix(m config.MQTT) string {
	if !m.UseTLS {
		return ""
	}
	if m.Insecure {
		return " TLS (suppress verification)"
	}
	return " TLS"
}
