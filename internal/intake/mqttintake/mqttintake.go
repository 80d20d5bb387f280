// Package mqttintake subscribes to wearable telemetry on an MQTT broker and
// feeds decoded readings into triage.
package mqttintake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/guardian/internal/telemetry"
)

// Submitter accepts readings for triage.
type Submitter interface {
	Submit(ctx context.Context, r telemetry.Reading) error
}

// Config describes the broker connection and subscription.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// Topic may contain wildcards. When a payload omits subject_id, the
	// topic segment after the first one is used, e.g. guardian/{subject}/telemetry.
	Topic string
	QoS   byte

	SubmitTimeout time.Duration
}

// Subscriber owns the MQTT client.
type Subscriber struct {
	client mqtt.Client
	cfg    Config
	sink   Submitter
	logger log.Logger
	ctx    context.Context
}

// New builds a Subscriber. It does not connect until Start.
func New(cfg Config, sink Submitter, logger log.Logger) *Subscriber {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	s := &Subscriber{cfg: cfg, sink: sink, logger: logger, ctx: context.Background()}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn(s.ctx, "mqtt connection lost", "broker", cfg.Broker, "error", err)
	})
	// resubscribe after every (re)connect since sessions are clean
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(cfg.Topic, cfg.QoS, s.handle); token.Wait() && token.Error() != nil {
			s.logger.Error(s.ctx, token.Error(), "mqtt subscribe failed", "topic", cfg.Topic)
			return
		}
		s.logger.Info(s.ctx, "mqtt subscribed", "broker", cfg.Broker, "topic", cfg.Topic)
	})
	s.client = mqtt.NewClient(opts)
	return s
}

// Start connects to the broker. Subscription happens in the connect handler.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx = context.WithoutCancel(ctx)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	return nil
}

// Stop unsubscribes and disconnects.
func (s *Subscriber) Stop() {
	if token := s.client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Warn(s.ctx, "mqtt unsubscribe failed", "error", token.Error())
	}
	s.client.Disconnect(250)
}

func (s *Subscriber) handle(_ mqtt.Client, m mqtt.Message) {
	if err := s.HandlePayload(s.ctx, m.Topic(), m.Payload()); err != nil {
		s.logger.Warn(s.ctx, "dropping telemetry message", "topic", m.Topic(), "error", err)
	}
}

// HandlePayload decodes one message and submits it.
func (s *Subscriber) HandlePayload(ctx context.Context, topic string, payload []byte) error {
	var r telemetry.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("%w: decode payload: %w", telemetry.ErrValidation, err)
	}
	if r.SubjectID == "" {
		r.SubjectID = subjectFromTopic(topic)
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	if err := s.sink.Submit(sctx, r); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("triage backlog: %w", err)
		}
		return err
	}
	return nil
}

func subjectFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}
