// Package mqttpub mirrors worker status reports to an MQTT broker so
// home dashboards can watch the worker without touching the relay. It
// is optional: when disabled the worker publishes to the relay alone.
package mqttpub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/mbabbott/terrarium-worker/internal/buildinfo"
	"github.com/mbabbott/terrarium-worker/internal/config"
	"github.com/mbabbott/terrarium-worker/internal/status"
)

// Publisher manages the broker connection and retains the latest
// status report under the configured topic prefix.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// before publishing.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "terrarium/worker"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "terrarium-worker"
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}
}

// Start connects to the broker. autopaho reconnects in the background
// after any drop, so a slow or absent broker never blocks the worker.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.BrokerURL)
			p.publishAvailability(ctx, cm, "online")
			p.publishVersion(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// PublishStatus retains the JSON status report under <prefix>/status.
// Satisfies the worker's status mirror.
func (p *Publisher) PublishStatus(ctx context.Context, report status.Report) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal status report: %w", err)
	}

	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}

	p.logger.Debug("mqtt status published", "topic", p.statusTopic())
	return nil
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, state string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(state),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "state", state, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "state", state)
	}
}

func (p *Publisher) publishVersion(ctx context.Context, cm *autopaho.ConnectionManager) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.TopicPrefix + "/version",
		Payload: []byte(buildinfo.Version),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt version publish failed", "error", err)
	}
}
