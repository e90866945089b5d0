package push

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	subscribeQoS   = 1
	connectTimeout = 10 * time.Second
	handleTimeout  = 15 * time.Second
)

// Topic is the per-device push topic.
func Topic(prefix, deviceToken string) string {
	return fmt.Sprintf("%s/%s/messages", strings.Trim(prefix, "/"), deviceToken)
}

// MessageHandler consumes raw push payloads.
type MessageHandler interface {
	Handle(ctx context.Context, payload []byte) error
}

// Subscriber receives push messages for this device from an MQTT broker.
type Subscriber struct {
	broker  string
	handler MessageHandler
	logger  *slog.Logger

	mu     sync.Mutex
	topic  string
	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSubscriber(broker, topic string, handler MessageHandler, logger *slog.Logger) *Subscriber {
	return &Subscriber{broker: broker, topic: topic, handler: handler, logger: logger}
}

// Start connects to the broker. The topic is (re)subscribed on every connect, so a
// reconnect after a network drop resumes delivery.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	clientID := "familytrack-agent-" + uuid.NewString()
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(time.Minute).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("push connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	s.client = client
	s.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("connect to push broker: %w", err)
		}
	case <-time.After(connectTimeout):
		// ConnectRetry keeps trying in the background.
		s.logger.Warn("push broker not reachable yet, retrying in background", "broker", s.broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("push subscriber started", "broker", s.broker, "client_id", clientID)
	return nil
}

// SetTopic moves the subscription to a new topic, e.g. after the device token changed.
func (s *Subscriber) SetTopic(topic string) {
	s.mu.Lock()
	old := s.topic
	s.topic = topic
	client := s.client
	s.mu.Unlock()

	if old == topic || client == nil || !client.IsConnectionOpen() {
		return
	}
	if old != "" {
		client.Unsubscribe(old).WaitTimeout(connectTimeout)
	}
	s.subscribe(client, topic)
}

func (s *Subscriber) Topic() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topic
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	client := s.client
	cancel := s.cancel
	s.client = nil
	s.mu.Unlock()

	if client == nil {
		return
	}
	cancel()
	client.Disconnect(250)
	s.logger.Info("push subscriber stopped")
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.subscribe(client, s.Topic())
}

func (s *Subscriber) subscribe(client mqtt.Client, topic string) {
	if topic == "" {
		return
	}
	token := client.Subscribe(topic, subscribeQoS, s.onMessage)
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Warn("push subscribe timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("push subscribe failed", "topic", topic, "error", err)
		return
	}
	s.logger.Info("subscribed to push topic", "topic", topic)
}

func (s *Subscriber) onMessage(_ mqtt.Client, msg mqtt.Message) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, handleTimeout)
	defer cancel()
	safeHandle(ctx, s.handler, msg.Payload(), s.logger)
}

func safeHandle(ctx context.Context, h MessageHandler, payload []byte, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("push handler panic", "panic", r)
		}
	}()
	if err := h.Handle(ctx, payload); err != nil {
		logger.Warn("dropping push message", "error", err)
	}
}
