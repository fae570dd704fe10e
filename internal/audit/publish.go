package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/nats-io/nats.go"
)

// NATSSink publishes each record as JSON on a subject.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink connects to url.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		return nil, errors.New("nats subject is required")
	}
	nc, err := nats.Connect(url, nats.Name("mcagent-audit"), nats.Timeout(5*time.Second), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{nc: nc, subject: subject}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Send(_ context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, b)
}

func (s *NATSSink) Close() error { return s.nc.Drain() }

// MQTTSink publishes each record as JSON on a topic with QoS 1.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTSink connects to broker (for example tcp://localhost:1883).
func NewMQTTSink(broker, clientID, topic string) (*MQTTSink, error) {
	if topic == "" {
		return nil, errors.New("mqtt topic is required")
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTTSink{client: c, topic: topic}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Send(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tok := s.client.Publish(s.topic, 1, false, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// WebhookSink POSTs each record as JSON to the web application's event log.
type WebhookSink struct {
	client *retryablehttp.Client
	url    string
	token  string
}

// NewWebhookSink returns a sink posting to url with an optional bearer token.
func NewWebhookSink(url, token string) *WebhookSink {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	return &WebhookSink{client: client, url: url, token: token}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mcagent")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: http error: %s", resp.Status)
	}
	return nil
}
