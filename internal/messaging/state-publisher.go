package messaging

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/fisaks/plcsim/internal/config"
	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
)

// StateMessage is the retained payload on <prefix>/state.
type StateMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	UnitID    uint8              `json:"unitId"`
	Registers registers.Snapshot `json:"registers"`
}

// SetCommand is accepted on <prefix>/registers/<bank>/set.
type SetCommand struct {
	Start  int      `json:"start"`
	Values []uint16 `json:"values"`
}

// StatePublisher mirrors the register banks to MQTT and applies set commands
// coming back. Broker trouble is logged, never returned.
type StatePublisher struct {
	broker            Broker
	shared            *state.SharedState
	publishInterval   time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	last     *registers.Snapshot
	lastSent time.Time
}

func NewStatePublisher(broker Broker, shared *state.SharedState, info *config.SimInfoMessage, cfg config.MqttConfig) *StatePublisher {
	p := &StatePublisher{
		broker:            broker,
		shared:            shared,
		publishInterval:   cfg.PublishInterval(),
		heartbeatInterval: cfg.HeartbeatInterval(),
		now:               time.Now,
	}
	broker.AddOnConnectPublisher("info", func() (PublishRequest, error) {
		return PublishRequest{
			Topic:   broker.Topic("info"),
			Qos:     AtLeastOnce,
			Retain:  true,
			Payload: info,
		}, nil
	})
	return p
}

// Run connects, subscribes for set commands and publishes until ctx is done.
func (p *StatePublisher) Run(ctx context.Context) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.broker.Close(closeCtx)
	}()

	subscribed, warned := false, false
	t := time.NewTicker(p.publishInterval)
	defer t.Stop()
	for {
		if !p.broker.IsConnected() {
			if err := p.broker.Connect(ctx); err != nil && !warned {
				logging.Warn("mqtt connect failed, retrying every publish interval", "error", err)
				warned = true
			}
		}
		if p.broker.IsConnected() {
			if !subscribed {
				subscribed = p.subscribe(ctx)
			}
			if _, err := p.publishOnce(ctx); err != nil {
				logging.Warn("failed to publish register state", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			logging.Info("mqtt mirror stopped")
			return nil
		case <-t.C:
		}
	}
}

func (p *StatePublisher) subscribe(ctx context.Context) bool {
	topic := p.broker.Topic("registers", "+", "set")
	if _, err := p.broker.Subscribe(ctx, topic, AtLeastOnce, p.OnMessage); err != nil {
		logging.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// publishOnce publishes the snapshot when it changed or the heartbeat is due.
func (p *StatePublisher) publishOnce(ctx context.Context) (bool, error) {
	snap := p.shared.Snapshot()
	now := p.now()

	changed := p.last == nil || !sameSnapshot(*p.last, snap)
	needsHeartbeat := !changed && p.heartbeatInterval > 0 && now.Sub(p.lastSent) > p.heartbeatInterval
	if !changed && !needsHeartbeat {
		return false, nil
	}

	msg := StateMessage{Timestamp: now, UnitID: p.shared.UnitID(), Registers: snap}
	if err := p.broker.PublishJSON(ctx, p.broker.Topic("state"), FireAndForget, true, msg); err != nil {
		return false, err
	}
	p.last = &snap
	p.lastSent = now
	logging.Debug("published register state", "changed", changed)
	return true, nil
}

func sameSnapshot(a, b registers.Snapshot) bool {
	return slices.Equal(a.Coils, b.Coils) &&
		slices.Equal(a.DiscreteInputs, b.DiscreteInputs) &&
		slices.Equal(a.InputRegisters, b.InputRegisters) &&
		slices.Equal(a.HoldingRegisters, b.HoldingRegisters)
}

// OnMessage handles <prefix>/registers/<bank>/set.
func (p *StatePublisher) OnMessage(ctx context.Context, topic string, payload []byte) {
	logging.Debug("received set message", "topic", topic)
	parts := strings.Split(strings.TrimPrefix(topic, p.broker.Topic()+"/"), "/")
	if len(parts) != 3 || parts[0] != "registers" || parts[2] != "set" {
		logging.Warn("set topic malformed", "topic", topic)
		return
	}
	bank, ok := registers.ParseBank(parts[1])
	if !ok {
		logging.Warn("set for unknown bank", "topic", topic)
		return
	}

	var cmd SetCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		logging.Warn("set json", "topic", topic, "error", err)
		return
	}
	err := p.shared.Update(func(regs *registers.Context) error {
		return regs.WriteCells(bank, cmd.Start, cmd.Values)
	})
	if err != nil {
		logging.Warn("set handling", "bank", bank.String(), "start", cmd.Start, "error", err)
		return
	}
	logging.Info("registers set over mqtt", "bank", bank.String(), "start", cmd.Start, "count", len(cmd.Values))
}
