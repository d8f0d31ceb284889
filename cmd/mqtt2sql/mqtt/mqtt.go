package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/config"
	"github.com/curzon01/mqtt2sql/cmd/mqtt2sql/shared"
	"github.com/curzon01/mqtt2sql/internal"
)

// Prometheus metrics
var (
	messagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqtt2sql_messages_received_total",
			Help: "The total number of incoming MQTT messages",
		},
	)
	mqttConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqtt2sql_up",
			Help: "Connection with MQTT broker",
		},
	)
)

// Dispatcher receives every message that passed the exclusion filter.
type Dispatcher interface {
	Dispatch(msg shared.Message)
}

// Session owns the MQTT connection: connect, subscribe, dispatch inbound
// messages and handle reconnects. Auto-reconnect is handled by the session's
// own run loop rather than by paho, so that a failed reconnect can terminate
// the process the same way a failed initial connect does.
type Session struct {
	client   MQTT.Client
	cfg      config.MQTT
	state    *shared.State
	shutdown internal.GracefulShutdownHandler

	dispatcher Dispatcher
	exclude    map[string]struct{}
	clientID   string

	lost chan error
}

func NewSession(cfg config.MQTT, state *shared.State, dispatcher Dispatcher, shutdown internal.GracefulShutdownHandler) *Session {
	exclude := make(map[string]struct{}, len(cfg.ExcludeTopics))
	for _, topic := range cfg.ExcludeTopics {
		exclude[topic] = struct{}{}
	}
	return &Session{
		cfg:        cfg,
		state:      state,
		shutdown:   shutdown,
		dispatcher: dispatcher,
		exclude:    exclude,
		clientID:   fmt.Sprintf("mqtt2sql-%d", os.Getpid()),
		lost:       make(chan error, 1),
	}
}

// Connect establishes the initial broker connection and blocks until the
// broker acknowledged it or the connect timeout expired. Subscriptions are
// set up by the on-connect handler, so they are re-established on every
// reconnect as well (required with clean session).
func (s *Session) Connect() error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(s.cfg.BrokerURL)
	opts.SetClientID(s.clientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(s.cfg.Keepalive)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	if s.cfg.UseTLS {
		tlsConfig, err := newTLSConfig(s.cfg)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	zap.S().Infof("Connecting to MQTT broker %s (keepalive %s)", s.cfg.BrokerURL, s.cfg.Keepalive)

	s.client = MQTT.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		return fmt.Errorf("connect to %s timed out after %s", s.cfg.BrokerURL, s.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s failed: %w", s.cfg.BrokerURL, err)
	}
	return nil
}

// Run blocks, reacting to lost connections until the process shuts down.
// A lost connection gets one reconnect attempt; if that fails the process
// terminates with the MQTT connection exit code.
func (s *Session) Run() {
	for err := range s.lost {
		if s.state.Exiting() {
			return
		}
		zap.S().Warnf("Remote disconnected from MQTT: %s - attempting reconnect", err)

		token := s.client.Connect()
		if !token.WaitTimeout(s.cfg.ConnectTimeout) {
			zap.S().Errorf("MQTT reconnect to %s timed out after %s", s.cfg.BrokerURL, s.cfg.ConnectTimeout)
		} else if err := token.Error(); err == nil {
			zap.S().Infof("MQTT reconnected")
			continue
		} else {
			zap.S().Errorf("MQTT reconnect to %s failed: %s", s.cfg.BrokerURL, err)
		}
		s.state.Fail(shared.ExitMQTTConnection)
		s.shutdown.Shutdown()
		return
	}
}

// Disconnect closes the broker connection, waiting up to the given number of
// milliseconds for in-flight network traffic.
func (s *Session) Disconnect(quiesceMs uint) {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(quiesceMs)
	}
	mqttConnected.Set(0)
}

// onConnect subscribes once the connection is established. Required to
// re-subscribe when cleansession is True.
func (s *Session) onConnect(c MQTT.Client) {
	mqttConnected.Set(1)
	zap.S().Infof("Connected to MQTT broker (%s)", s.clientID)

	for _, topic := range s.cfg.Topics {
		if token := c.Subscribe(topic, 0, s.onMessage); token.Wait() && token.Error() != nil {
			zap.S().Errorf("MQTT subscribe to %s failed: %s", topic, token.Error())
			s.state.Fail(shared.ExitMQTTConnection)
			s.shutdown.Shutdown()
			return
		}
		zap.S().Infof("MQTT subscribed to %s", topic)
	}
}

// onConnectionLost feeds the run loop. paho invokes it from its network
// goroutine once per established connection that drops.
func (s *Session) onConnectionLost(_ MQTT.Client, err error) {
	mqttConnected.Set(0)
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Session) onMessage(_ MQTT.Client, message MQTT.Message) {
	s.handle(shared.Message{
		Topic:    message.Topic(),
		Payload:  message.Payload(),
		QoS:      message.Qos(),
		Retained: message.Retained(),
	})
}

// handle filters and dispatches one inbound message. Dispatch blocks when
// the writer pool is exhausted, stalling this callback and with it the
// broker reads.
func (s *Session) handle(msg shared.Message) {
	messagesReceived.Inc()
	if s.state.Exiting() {
		return
	}
	if _, excluded := s.exclude[msg.Topic]; excluded {
		return
	}
	zap.S().Debugf("%s [QoS %d Retain %v] %d bytes", msg.Topic, msg.QoS, msg.Retained, len(msg.Payload))
	s.dispatcher.Dispatch(msg)
}

// HealthCheck reports whether the broker connection is up.
func (s *Session) HealthCheck() healthcheck.Check {
	return func() error {
		if s.client != nil && s.client.IsConnected() {
			return nil
		}
		return fmt.Errorf("not connected")
	}
}

// newTLSConfig loads the CA bundle and optional client certificate pair.
// Without a CA file RootCAs stays nil so the system roots verify the broker.
func newTLSConfig(cfg config.MQTT) (*tls.Config, error) {
	/* #nosec G402 -- InsecureSkipVerify is an explicit operator opt-in */
	tlsConfig := &tls.Config{
		// InsecureSkipVerify = verify that cert contents
		// match server. IP matches what is in cert etc.
		InsecureSkipVerify: cfg.Insecure,
	}

	if cfg.CAFile != "" {
		pemCerts, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate %s: %w", cfg.CAFile, err)
		}
		certpool := x509.NewCertPool()
		if ok := certpool.AppendCertsFromPEM(pemCerts); !ok {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CAFile)
		}
		// RootCAs = certs used to verify server cert.
		tlsConfig.RootCAs = certpool
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		// Import client certificate/key pair
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
