// Package mqtt bridges the external voice stack onto the command cycle.
// The wake-word/STT pipeline publishes finished transcripts to
// <prefix>/transcript; the bridge runs them through the session and
// publishes the spoken reply to <prefix>/say for the TTS side to pick
// up. A transcript arriving while a cycle is already in flight is
// dropped, not queued.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// re-subscribes to the transcript topic and publishes "online" to the
// availability topic; a will message flips it to "offline" on
// unexpected disconnects.
package mqtt

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

	"github.com/vestahome/vesta/internal/agent"
	"github.com/vestahome/vesta/internal/config"
	"github.com/vestahome/vesta/internal/events"
)

// TranscriptMessage is the inbound payload on <prefix>/transcript.
type TranscriptMessage struct {
	Transcript string `json:"transcript"`
	User       string `json:"user,omitempty"`
}

// SayMessage is the outbound payload on <prefix>/say.
type SayMessage struct {
	Response string `json:"response"`
	Success  bool   `json:"success"`
	CycleID  string `json:"cycle_id,omitempty"`
}

// processor admits a transcript only when no cycle is in flight.
// Satisfied by *agent.Session.
type processor interface {
	TryProcessTranscript(ctx context.Context, transcript, user string, dryRun bool) (agent.Reply, bool)
}

// Bridge manages the MQTT connection and routes transcripts through
// the session.
type Bridge struct {
	cfg     config.MQTTConfig
	session processor
	bus     *events.Bus
	logger  *slog.Logger
	cm      *autopaho.ConnectionManager
}

// NewBridge creates a Bridge but does not connect. Call [Bridge.Start]
// to begin the connection loop. bus may be nil.
func NewBridge(cfg config.MQTTConfig, session processor, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		session: session,
		bus:     bus,
		logger:  logger,
	}
}

// Start connects to the MQTT broker and serves transcripts until ctx
// is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "vesta"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: b.transcriptTopic(), QoS: 1},
				},
			}); err != nil {
				b.logger.Error("mqtt subscribe failed",
					"topic", b.transcriptTopic(), "error", err)
				return
			}
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleInbound(ctx, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Stop publishes "offline" and disconnects. The provided context
// bounds how long to wait.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// handleInbound runs the command cycle on its own goroutine. The paho
// read loop invokes publish handlers inline and services keepalives on
// the same goroutine; a cycle can outlast the keepalive window, so it
// must never block the handler. The session's single-slot gate bounds
// the concurrency.
func (b *Bridge) handleInbound(ctx context.Context, payload []byte) {
	go b.handleTranscript(ctx, payload)
}

// handleTranscript decodes one inbound message, runs it through the
// session unless a cycle is in flight, and publishes the reply.
func (b *Bridge) handleTranscript(ctx context.Context, payload []byte) {
	msg, err := decodeTranscript(payload)
	if err != nil {
		b.logger.Warn("mqtt transcript payload did not parse",
			"payload_size", len(payload), "error", err)
		return
	}

	b.logger.Info("voice transcript received", "transcript_len", len(msg.Transcript))
	b.bus.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindTranscriptReceived,
		Data:   map[string]any{"transcript_len": len(msg.Transcript), "user": msg.User},
	})

	reply, ok := b.session.TryProcessTranscript(ctx, msg.Transcript, msg.User, false)
	if !ok {
		b.logger.Warn("voice transcript dropped, cycle in flight")
		b.bus.Publish(events.Event{
			Source: events.SourceVoice,
			Kind:   events.KindTranscriptDropped,
			Data:   map[string]any{"transcript_len": len(msg.Transcript)},
		})
		return
	}

	b.publishSay(ctx, SayMessage{
		Response: reply.Response,
		Success:  reply.Success,
		CycleID:  reply.CycleID,
	})
}

// decodeTranscript validates an inbound transcript payload.
func decodeTranscript(payload []byte) (TranscriptMessage, error) {
	var msg TranscriptMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return TranscriptMessage{}, err
	}
	if msg.Transcript == "" {
		return TranscriptMessage{}, fmt.Errorf("transcript field missing or empty")
	}
	return msg, nil
}

func (b *Bridge) publishSay(ctx context.Context, msg SayMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("mqtt marshal say payload", "error", err)
		return
	}
	if b.cm == nil {
		return
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.sayTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		b.logger.Warn("mqtt say publish failed", "error", err)
		return
	}
	b.logger.Info("voice reply published", "success", msg.Success)
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	b.logger.Info("mqtt availability published", "status", status)
}

func (b *Bridge) topicPrefix() string {
	if b.cfg.TopicPrefix != "" {
		return b.cfg.TopicPrefix
	}
	return "vesta"
}

func (b *Bridge) transcriptTopic() string { return b.topicPrefix() + "/transcript" }
func (b *Bridge) sayTopic() string        { return b.topicPrefix() + "/say" }
func (b *Bridge) availabilityTopic() string {
	return b.topicPrefix() + "/availability"
}
