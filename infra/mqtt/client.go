// Package mqtt carries the microgrid wire contract over an MQTT broker:
// node registration, telemetry publish/subscribe, power commands with
// acknowledgments, and the operator-facing objective, parameter and
// threshold updates.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrAckTimeout signals that a command was published but the node never
	// acknowledged it within the timeout.
	ErrAckTimeout = errors.New("mqtt: ack timeout")
	// ErrRegistrationFailed signals that the controller never accepted the
	// node within the configured attempts.
	ErrRegistrationFailed = errors.New("mqtt: registration failed")
)

// Config defines the connection parameters shared by both transports.
type Config struct {
	Broker     string `json:"broker"`
	ClientID   string `json:"client_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	UseTLS     bool   `json:"use_tls"`
	ClientCert string `json:"client_cert"`
	ClientKey  string `json:"client_key"`
	CABundle   string `json:"ca_bundle"`
	QoS        byte   `json:"qos"`

	// TLSConfig overrides the file-based TLS setup, mainly for tests.
	TLSConfig *tls.Config `json:"-"`
}

// LoadTLSConfig loads certificates from the configured paths.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// NewClientOptions builds paho options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// connect dials the broker and waits for the connection to come up.
func connect(cfg Config) (paho.Client, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return cli, nil
}

// subscribe waits for the subscription to be established.
func subscribe(cli paho.Client, topic string, qos byte, cb paho.MessageHandler) error {
	if token := cli.Subscribe(topic, qos, cb); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// publish waits for the publication to complete, bounded by the token wait.
func publish(cli paho.Client, topic string, qos byte, payload []byte) error {
	token := cli.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: broker unresponsive", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
