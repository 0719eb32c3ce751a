// Package mqttsink forwards sampler snapshots to an MQTT broker.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/skobkin/cpuhz-web/internal/config"
	"github.com/skobkin/cpuhz-web/internal/sampler"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 30 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// Client is the subset of mqtt.Client used by the sink.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Source supplies snapshots to forward.
type Source interface {
	Subscribe() (<-chan sampler.Snapshot, func())
}

// Sink publishes every snapshot as JSON to <topic>/snapshot, the latest
// valid reading of each core as a retained value under <topic>/core/<i>/mhz,
// and keeps a retained online/offline marker under <topic>/status.
type Sink struct {
	cfg    config.MQTTConfig
	client Client
	source Source
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New builds a sink backed by a paho client. The connection is opened by Run.
func New(cfg config.MQTTConfig, source Source, logger *slog.Logger) (*Sink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("mqtt broker is not configured")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "mqtt_sink")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(statusTopic(cfg.Topic), statusOffline, cfg.QoS, true)
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	}

	return newSink(cfg, mqtt.NewClient(opts), source, logger), nil
}

func newSink(cfg config.MQTTConfig, client Client, source Source, logger *slog.Logger) *Sink {
	return &Sink{
		cfg:    cfg,
		client: client,
		source: source,
		logger: logger,
	}
}

// Run connects, then forwards snapshots until the context is canceled or
// the source closes the subscription.
func (s *Sink) Run(ctx context.Context) error {
	if err := wait(s.client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.Broker, err)
	}
	defer s.disconnect()

	s.publish(statusTopic(s.cfg.Topic), true, []byte(statusOnline))

	updates, unsubscribe := s.source.Subscribe()
	defer unsubscribe()

	topic := snapshotTopic(s.cfg.Topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-updates:
			if !ok {
				s.logger.Info("snapshot source closed")
				return nil
			}
			payload, err := json.Marshal(snapshot)
			if err != nil {
				s.logger.Error("failed to marshal snapshot", "err", err)
				continue
			}
			s.publish(topic, false, payload)
			s.publishCores(snapshot)
		}
	}
}

// Published returns the number of successfully published messages.
func (s *Sink) Published() uint64 {
	return s.published.Load()
}

// Failed returns the number of messages the broker did not accept in time.
func (s *Sink) Failed() uint64 {
	return s.failed.Load()
}

func (s *Sink) publish(topic string, retained bool, payload []byte) {
	if err := wait(s.client.Publish(topic, s.cfg.QoS, retained, payload), publishTimeout); err != nil {
		s.failed.Add(1)
		s.logger.Warn("mqtt publish failed", "topic", topic, "err", err)
		return
	}
	s.published.Add(1)
}

func (s *Sink) publishCores(snapshot sampler.Snapshot) {
	for _, core := range snapshot.Cores {
		if core.MHz == nil {
			continue
		}
		value := strconv.FormatFloat(*core.MHz, 'f', 2, 64)
		s.publish(coreTopic(s.cfg.Topic, core.Index), true, []byte(value))
	}
}

func (s *Sink) disconnect() {
	s.publish(statusTopic(s.cfg.Topic), true, []byte(statusOffline))
	s.client.Disconnect(disconnectQuiesce)
	s.logger.Info("mqtt disconnected",
		"published", s.published.Load(),
		"failed", s.failed.Load(),
	)
}

var errTimeout = errors.New("timed out")

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errTimeout
	}
	return token.Error()
}

func snapshotTopic(prefix string) string {
	return prefix + "/snapshot"
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

func coreTopic(prefix string, index int) string {
	return prefix + "/core/" + strconv.Itoa(index) + "/mhz"
}
