package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

// Supported storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

const (
	defaultPortMQTT  = 1883
	defaultPortMQTTS = 8883
)

var ErrUnknownBackend = errors.New("unknown SQL backend type")

// Table names are interpolated into SQL statements, so they are restricted to
// identifier characters up front.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type MQTT struct {
	BrokerURL      string // tcp://host:port or ssl://host:port, as paho expects
	Username       string
	Password       string
	Topics         []string
	ExcludeTopics  []string
	CAFile         string
	CertFile       string
	KeyFile        string
	Insecure       bool
	UseTLS         bool
	Keepalive      time.Duration
	ConnectTimeout time.Duration
}

type SQL struct {
	Type                      string
	Host                      string
	Port                      int
	Username                  string
	Password                  string
	Database                  string // database name (postgres) or file path (sqlite)
	Table                     string
	SSLMode                   string
	MaxConnections            int
	ConnectionRetry           int
	ConnectionRetryStartDelay time.Duration
	TransactionRetry          int
}

type Config struct {
	MQTT MQTT
	SQL  SQL
}

// Load reads the full configuration from environment variables, applying the
// same defaults the daemon has always shipped with.
func Load() (*Config, error) {
	var cfg Config
	var err error

	brokerURL, err := env.GetAsString("MQTT_BROKER_URL", false, "mqtt://localhost/#")
	if err != nil {
		return nil, err
	}
	if err = parseBrokerURL(brokerURL, &cfg.MQTT); err != nil {
		return nil, err
	}

	if username, _ := env.GetAsString("MQTT_USERNAME", false, ""); username != "" {
		cfg.MQTT.Username = username
	}
	if password, _ := env.GetAsString("MQTT_PASSWORD", false, ""); password != "" {
		cfg.MQTT.Password = password
	}

	if topics, _ := env.GetAsString("MQTT_TOPIC", false, ""); topics != "" {
		cfg.MQTT.Topics = splitList(topics)
	}
	if len(cfg.MQTT.Topics) == 0 {
		cfg.MQTT.Topics = []string{"#"}
	}
	exclude, _ := env.GetAsString("MQTT_EXCLUDE_TOPIC", false, "")
	cfg.MQTT.ExcludeTopics = splitList(exclude)

	cfg.MQTT.CAFile, _ = env.GetAsString("MQTT_CA_FILE", false, "")
	cfg.MQTT.CertFile, _ = env.GetAsString("MQTT_CERT_FILE", false, "")
	cfg.MQTT.KeyFile, _ = env.GetAsString("MQTT_KEY_FILE", false, "")
	cfg.MQTT.Insecure, _ = env.GetAsBool("MQTT_INSECURE", false, false)
	if cfg.MQTT.CAFile != "" || cfg.MQTT.CertFile != "" || cfg.MQTT.KeyFile != "" {
		cfg.MQTT.UseTLS = true
		cfg.MQTT.BrokerURL = strings.Replace(cfg.MQTT.BrokerURL, "tcp://", "ssl://", 1)
	}

	keepalive, err := env.GetAsInt("MQTT_KEEPALIVE", false, 60)
	if err != nil {
		return nil, err
	}
	cfg.MQTT.Keepalive = time.Duration(keepalive) * time.Second

	connectTimeoutMs, err := env.GetAsInt("MQTT_CONNECT_TIMEOUT_MS", false, 5000)
	if err != nil {
		return nil, err
	}
	cfg.MQTT.ConnectTimeout = time.Duration(connectTimeoutMs) * time.Millisecond

	cfg.SQL.Type, _ = env.GetAsString("SQL_TYPE", false, BackendPostgres)
	if cfg.SQL.Type != BackendPostgres && cfg.SQL.Type != BackendSQLite {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.SQL.Type)
	}

	cfg.SQL.Host, _ = env.GetAsString("SQL_HOST", false, "localhost")
	cfg.SQL.Port, err = env.GetAsInt("SQL_PORT", false, 5432)
	if err != nil {
		return nil, err
	}
	cfg.SQL.Username, _ = env.GetAsString("SQL_USERNAME", false, "")
	cfg.SQL.Password, _ = env.GetAsString("SQL_PASSWORD", false, "")
	cfg.SQL.Database, err = env.GetAsString("SQL_DATABASE", cfg.SQL.Type == BackendSQLite, "")
	if err != nil {
		return nil, err
	}
	cfg.SQL.SSLMode, _ = env.GetAsString("SQL_SSL_MODE", false, "require")

	cfg.SQL.Table, _ = env.GetAsString("SQL_TABLE", false, "mqtt")
	if !tableNameRe.MatchString(cfg.SQL.Table) {
		return nil, fmt.Errorf("invalid SQL_TABLE %q", cfg.SQL.Table)
	}

	cfg.SQL.MaxConnections, err = env.GetAsInt("SQL_MAX_CONNECTIONS", false, 50)
	if err != nil {
		return nil, err
	}
	if cfg.SQL.MaxConnections < 1 {
		return nil, fmt.Errorf("SQL_MAX_CONNECTIONS must be at least 1, got %d", cfg.SQL.MaxConnections)
	}
	cfg.SQL.ConnectionRetry, err = env.GetAsInt("SQL_CONNECTION_RETRY", false, 10)
	if err != nil {
		return nil, err
	}
	startDelayMs, err := env.GetAsInt("SQL_CONNECTION_RETRY_START_DELAY_MS", false, 1000)
	if err != nil {
		return nil, err
	}
	cfg.SQL.ConnectionRetryStartDelay = time.Duration(startDelayMs) * time.Millisecond
	cfg.SQL.TransactionRetry, err = env.GetAsInt("SQL_TRANSACTION_RETRY", false, 10)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// parseBrokerURL splits an mqtt(s)://[user[:pass]@]host[:port][/topic] URL
// into its parts. The path, if present, becomes a topic filter. The wildcard
// '#' would otherwise start a URL fragment, so it is escaped before parsing;
// url.Parse decodes it back when reading the path.
func parseBrokerURL(raw string, m *MQTT) error {
	u, err := url.Parse(strings.ReplaceAll(raw, "#", "%23"))
	if err != nil {
		return fmt.Errorf("invalid MQTT_BROKER_URL %q: %w", raw, err)
	}

	scheme := "tcp"
	port := defaultPortMQTT
	switch u.Scheme {
	case "mqtt", "tcp", "":
	case "mqtts", "ssl", "tls":
		scheme = "ssl"
		port = defaultPortMQTTS
		m.UseTLS = true
	default:
		return fmt.Errorf("invalid MQTT_BROKER_URL scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid MQTT_BROKER_URL port %q: %w", p, err)
		}
	}
	m.BrokerURL = fmt.Sprintf("%s://%s:%d", scheme, host, port)

	if u.User != nil {
		m.Username = u.User.Username()
		m.Password, _ = u.User.Password()
	}
	if topic := strings.TrimPrefix(u.Path, "/"); topic != "" {
		m.Topics = append(m.Topics, topic)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
