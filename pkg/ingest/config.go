package ingest

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// MQTTClientConfig holds the broker connection settings.
type MQTTClientConfig struct {
	BrokerURL      string
	Topic          string
	ClientIDPrefix string
	Username       string
	Password       string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration

	// TLS is used for tls:// and ssl:// brokers.
	CACertFile         string
	ClientCertFile     string
	ClientKeyFile      string
	InsecureSkipVerify bool
}

// IngesterConfig controls how readings become probe records.
type IngesterConfig struct {
	// Owner is the account the records are buffered for.
	Owner string
	// ObserverID names the observer the readings are stored under; the
	// device firmware version becomes the observer version.
	ObserverID    string
	StreamID      string
	StreamVersion int

	InputChanCapacity    int
	NumProcessingWorkers int
}

const (
	DefaultObserverID    = "garden-monitor"
	DefaultStreamID      = "readings"
	DefaultStreamVersion = 1
	// DefaultObserverVersion is used when a device does not report firmware.
	DefaultObserverVersion = "0"
)

// DefaultIngesterConfig provides sensible defaults. Owner must still be set.
func DefaultIngesterConfig() IngesterConfig {
	return IngesterConfig{
		ObserverID:           DefaultObserverID,
		StreamID:             DefaultStreamID,
		StreamVersion:        DefaultStreamVersion,
		InputChanCapacity:    1000,
		NumProcessingWorkers: 4,
	}
}

func newTLSConfig(cfg MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
