// Package ingest subscribes to garden monitor readings over MQTT and buffers
// each one as a probe record, ready for the next sync.
package ingest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-fieldsync/pkg/recordstore"
	"github.com/illmade-knight/go-fieldsync/pkg/types"
	"github.com/rs/zerolog"
)

// InMessage is a message copied out of the paho callback.
type InMessage struct {
	Payload   []byte
	Topic     string
	MessageID string
	Duplicate bool
	Received  time.Time
}

type messageMetadata struct {
	Topic      string    `json:"topic"`
	MessageID  string    `json:"message_id"`
	ReceivedAt time.Time `json:"received_at"`
	Duplicate  bool      `json:"duplicate,omitempty"`
}

// MQTTIngester writes device readings into a record store.
type MQTTIngester struct {
	mqttConfig MQTTClientConfig
	config     IngesterConfig
	writer     recordstore.Writer
	pahoClient mqtt.Client
	logger     zerolog.Logger

	MessagesChan chan InMessage
	ErrorChan    chan error

	stored  atomic.Int64
	dropped atomic.Int64

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	wg                    sync.WaitGroup
	closeErrorChanOnce    sync.Once
	closeMessagesChanOnce sync.Once
	isShuttingDown        atomic.Bool
}

// NewMQTTIngester creates an ingester. Zero worker and capacity settings
// fall back to the defaults.
func NewMQTTIngester(writer recordstore.Writer, cfg IngesterConfig, mqttCfg MQTTClientConfig, logger zerolog.Logger) (*MQTTIngester, error) {
	if writer == nil {
		return nil, errors.New("record writer cannot be nil")
	}
	if cfg.Owner == "" {
		return nil, errors.New("ingester owner cannot be empty")
	}
	logger = logger.With().Str("component", "MQTTIngester").Logger()

	defaults := DefaultIngesterConfig()
	if cfg.NumProcessingWorkers <= 0 {
		logger.Warn().
			Int("provided_workers", cfg.NumProcessingWorkers).
			Int("default_workers", defaults.NumProcessingWorkers).
			Msg("NumProcessingWorkers was zero or negative, applying default value.")
		cfg.NumProcessingWorkers = defaults.NumProcessingWorkers
	}
	if cfg.InputChanCapacity <= 0 {
		logger.Warn().
			Int("provided_capacity", cfg.InputChanCapacity).
			Int("default_capacity", defaults.InputChanCapacity).
			Msg("InputChanCapacity was zero or negative, applying default value.")
		cfg.InputChanCapacity = defaults.InputChanCapacity
	}
	if cfg.ObserverID == "" {
		cfg.ObserverID = defaults.ObserverID
	}
	if cfg.StreamID == "" {
		cfg.StreamID = defaults.StreamID
	}
	if cfg.StreamVersion == 0 {
		cfg.StreamVersion = defaults.StreamVersion
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTIngester{
		mqttConfig:   mqttCfg,
		config:       cfg,
		writer:       writer,
		logger:       logger,
		cancelCtx:    ctx,
		cancelFunc:   cancel,
		MessagesChan: make(chan InMessage, cfg.InputChanCapacity),
		ErrorChan:    make(chan error, cfg.InputChanCapacity),
	}, nil
}

// Err returns a channel of non-fatal processing errors.
func (s *MQTTIngester) Err() <-chan error {
	return s.ErrorChan
}

// Stored is the number of readings written so far.
func (s *MQTTIngester) Stored() int64 { return s.stored.Load() }

// Dropped is the number of messages that were discarded.
func (s *MQTTIngester) Dropped() int64 { return s.dropped.Load() }

// Start launches the workers and, when a broker is configured, connects and
// subscribes.
func (s *MQTTIngester) Start() error {
	s.logger.Info().
		Int("workers", s.config.NumProcessingWorkers).
		Int("channel_capacity", s.config.InputChanCapacity).
		Msg("Starting MQTT ingester...")

	for i := 0; i < s.config.NumProcessingWorkers; i++ {
		s.wg.Add(1)
		go func(workerID int) {
			defer s.wg.Done()
			for message := range s.MessagesChan {
				s.processSingleMessage(s.cancelCtx, message, workerID)
			}
		}(i)
	}

	if s.mqttConfig.BrokerURL == "" {
		s.logger.Info().Msg("MQTT ingester started without a broker (broker URL is empty).")
		return nil
	}
	if s.mqttConfig.KeepAlive == 0 {
		s.mqttConfig.KeepAlive = 10 * time.Second
		s.logger.Warn().Msg("mqtt config had a zero KeepAlive value - setting to 10 * time.Second")
	}
	if s.mqttConfig.ConnectTimeout == 0 {
		s.mqttConfig.ConnectTimeout = 5 * time.Second
		s.logger.Warn().Msg("mqtt config had a zero ConnectTimeout value - setting to 5 * time.Second")
	}
	if err := s.initAndConnectMQTTClient(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to initialize or connect MQTT client during Start.")
		s.Stop()
		return err
	}
	s.logger.Info().Msg("MQTT ingester started.")
	return nil
}

// Stop unsubscribes, drains queued messages and stops the workers.
func (s *MQTTIngester) Stop() {
	s.isShuttingDown.Store(true)

	if s.pahoClient != nil && s.pahoClient.IsConnected() {
		if token := s.pahoClient.Unsubscribe(s.mqttConfig.Topic); token.WaitTimeout(2*time.Second) && token.Error() != nil {
			s.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown.")
		}
		s.pahoClient.Disconnect(500)
	}

	s.closeMessagesChanOnce.Do(func() {
		close(s.MessagesChan)
	})
	s.wg.Wait()
	s.cancelFunc()

	s.closeErrorChanOnce.Do(func() {
		close(s.ErrorChan)
	})
	s.logger.Info().
		Int64("stored", s.stored.Load()).
		Int64("dropped", s.dropped.Load()).
		Msg("MQTT ingester stopped.")
}

func (s *MQTTIngester) handleIncomingPahoMessage(_ mqtt.Client, msg mqtt.Message) {
	s.Enqueue(InMessage{
		Payload:   append([]byte(nil), msg.Payload()...),
		Topic:     msg.Topic(),
		MessageID: strconv.Itoa(int(msg.MessageID())),
		Duplicate: msg.Duplicate(),
		Received:  time.Now().UTC(),
	})
}

// Enqueue hands a message to the workers. It is what the MQTT callback uses
// and reports false once shutdown has begun.
func (s *MQTTIngester) Enqueue(msg InMessage) (queued bool) {
	// Sending races with Stop closing the channel.
	defer func() {
		if r := recover(); r != nil {
			s.dropped.Add(1)
			s.logger.Warn().Str("topic", msg.Topic).Msg("Message arrived during shutdown, dropped.")
			queued = false
		}
	}()
	if s.isShuttingDown.Load() {
		s.dropped.Add(1)
		s.logger.Warn().Str("topic", msg.Topic).Msg("Shutdown in progress, message dropped.")
		return false
	}
	if msg.Received.IsZero() {
		msg.Received = time.Now().UTC()
	}
	s.MessagesChan <- msg
	return true
}

func (s *MQTTIngester) processSingleMessage(ctx context.Context, msg InMessage, workerID int) {
	obs, skip, err := s.toObservation(msg)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Error().Err(err).Int("worker_id", workerID).Str("topic", msg.Topic).Msg("Failed to decode reading")
		s.sendError(err)
		return
	}
	if skip {
		s.dropped.Add(1)
		s.logger.Debug().Str("topic", msg.Topic).Msg("Message has no readings, skipping")
		return
	}

	id, err := s.writer.InsertObservation(ctx, obs)
	if err != nil {
		s.dropped.Add(1)
		s.logger.Error().Err(err).Int("worker_id", workerID).Str("topic", msg.Topic).Msg("Failed to store reading")
		s.sendError(fmt.Errorf("failed to store reading from %s: %w", msg.Topic, err))
		return
	}
	s.stored.Add(1)
	s.logger.Debug().Int("worker_id", workerID).Int64("record_id", int64(id)).Str("observer_version", obs.ObserverVersion).Msg("Reading stored")
}

// toObservation maps a device message onto a probe record.
func (s *MQTTIngester) toObservation(msg InMessage) (types.Observation, bool, error) {
	readings, skip, err := types.DecodeGardenMonitorMessage(msg.Payload)
	if err != nil || skip {
		return types.Observation{}, skip, err
	}

	data, err := json.Marshal(readings)
	if err != nil {
		return types.Observation{}, false, fmt.Errorf("failed to marshal readings: %w", err)
	}
	metadata, err := json.Marshal(messageMetadata{
		Topic:      msg.Topic,
		MessageID:  msg.MessageID,
		ReceivedAt: msg.Received,
		Duplicate:  msg.Duplicate,
	})
	if err != nil {
		return types.Observation{}, false, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	version := readings.Version
	if version == "" {
		version = DefaultObserverVersion
	}
	at := readings.Timestamp
	if at.IsZero() {
		at = msg.Received
	}
	return types.Observation{
		Owner:           s.config.Owner,
		ObserverID:      s.config.ObserverID,
		ObserverVersion: version,
		StreamID:        s.config.StreamID,
		StreamVersion:   s.config.StreamVersion,
		Data:            data,
		Metadata:        metadata,
		Time:            at.UTC(),
	}, false, nil
}

func (s *MQTTIngester) sendError(err error) {
	select {
	case s.ErrorChan <- err:
	default:
		s.logger.Warn().Err(err).Msg("ErrorChan is full, dropping error")
	}
}

func (s *MQTTIngester) onPahoConnect(client mqtt.Client) {
	topic := s.mqttConfig.Topic
	s.logger.Info().Str("broker", s.mqttConfig.BrokerURL).Str("topic", topic).Msg("Connected to MQTT broker, subscribing")
	if token := client.Subscribe(topic, 1, s.handleIncomingPahoMessage); token.Wait() && token.Error() != nil {
		s.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to MQTT topic")
		s.sendError(fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error()))
	}
}

func (s *MQTTIngester) onPahoConnectionLost(_ mqtt.Client, err error) {
	s.logger.Error().Err(err).Msg("Lost MQTT connection. Auto-reconnect will be attempted.")
}

func (s *MQTTIngester) initAndConnectMQTTClient() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttConfig.BrokerURL)
	opts.SetClientID(s.mqttConfig.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(s.mqttConfig.Username)
	opts.SetPassword(s.mqttConfig.Password)
	opts.SetKeepAlive(s.mqttConfig.KeepAlive)
	opts.SetConnectTimeout(s.mqttConfig.ConnectTimeout)
	opts.SetAutoReconnect(true)
	if s.mqttConfig.ReconnectWaitMax > 0 {
		opts.SetMaxReconnectInterval(s.mqttConfig.ReconnectWaitMax)
	}
	opts.SetOrderMatters(false)
	opts.SetConnectionAttemptHandler(func(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
		s.logger.Info().Str("broker", broker.String()).Msg("Attempting to connect to MQTT broker")
		return tlsCfg
	})

	scheme := strings.ToLower(s.mqttConfig.BrokerURL)
	if strings.HasPrefix(scheme, "tls://") || strings.HasPrefix(scheme, "ssl://") {
		tlsConfig, err := newTLSConfig(s.mqttConfig)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(s.onPahoConnect)
	opts.SetConnectionLostHandler(s.onPahoConnectionLost)

	s.pahoClient = mqtt.NewClient(opts)
	token := s.pahoClient.Connect()
	if !token.WaitTimeout(s.mqttConfig.ConnectTimeout) {
		return fmt.Errorf("timed out connecting to MQTT broker %s", s.mqttConfig.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("paho MQTT client connect error: %w", err)
	}
	return nil
}
