package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/probe"
)

type options struct {
	addr     string
	unit     uint
	coils    uint
	holdings uint
	interval time.Duration
	duration time.Duration
	flush    time.Duration
	broker   string
	topic    string
	debug    bool
}

func main() {
	var o options
	flag.StringVar(&o.addr, "addr", "127.0.0.1:55022", "Modbus-TCP address of the simulator")
	flag.UintVar(&o.unit, "unit", 1, "unit id")
	flag.UintVar(&o.coils, "coils", 20, "coils to poll from address 0")
	flag.UintVar(&o.holdings, "holdings", 5, "holding registers to poll from address 0")
	flag.DurationVar(&o.interval, "interval", 50*time.Millisecond, "poll interval")
	flag.DurationVar(&o.duration, "duration", 20*time.Second, "stop after this long (0 = until interrupted)")
	flag.DurationVar(&o.flush, "flush", time.Second, "event batch interval")
	flag.StringVar(&o.broker, "broker", "", "MQTT broker to publish event batches to (optional)")
	flag.StringVar(&o.topic, "topic", "plcsim/watch/events", "MQTT topic for event batches")
	flag.BoolVar(&o.debug, "debug", false, "log Modbus frames")
	flag.Parse()

	logging.Init()
	if o.debug {
		logging.SetLevel("debug")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if o.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := watch(ctx, o); err != nil {
		logging.Fatal("plcwatch failed", "error", err)
	}
}

func watch(ctx context.Context, o options) error {
	p, err := probe.Dial(probe.Options{Address: o.addr, UnitID: uint8(o.unit), Timeout: 2 * time.Second, Debug: o.debug})
	if err != nil {
		return err
	}
	defer p.Close()
	logging.Info("watching simulator", "addr", o.addr, "coils", o.coils, "holdings", o.holdings, "interval", o.interval)

	sink := newEventSink(o)
	defer sink.close()

	var (
		coils    []bool
		holdings []uint16
		events   []probe.Event
		total    int
	)
	poll := time.NewTicker(o.interval)
	defer poll.Stop()
	flush := time.NewTicker(o.flush)
	defer flush.Stop()

	for {
		newCoils, err := p.ReadCoils(ctx, 0, uint16(o.coils))
		if err != nil {
			return finish(ctx, sink, events, total, err)
		}
		newHoldings, err := p.ReadHoldingRegisters(ctx, 0, uint16(o.holdings))
		if err != nil {
			return finish(ctx, sink, events, total, err)
		}

		if missed := probe.MissedTicks(holdings, newHoldings); missed > 0 {
			logging.Warn("missed ticks", "count", missed, "coils", probe.CoilsString(newCoils), "holdings", newHoldings)
		}
		if !slices.Equal(coils, newCoils) || !slices.Equal(holdings, newHoldings) {
			now := time.Now().UnixMilli()
			n := len(events)
			events = probe.DetectCoilEvents(events, now, coils, newCoils)
			events = probe.DetectHoldingEvents(events, now, holdings, newHoldings)
			total += len(events) - n
			logging.Debug("state", "coils", probe.CoilsString(newCoils), "holdings", newHoldings)
			coils, holdings = newCoils, newHoldings
		}

		select {
		case <-ctx.Done():
			return finish(ctx, sink, events, total, nil)
		case <-flush.C:
			sink.emit(events)
			events = events[:0]
		case <-poll.C:
		}
	}
}

func finish(ctx context.Context, sink *eventSink, events []probe.Event, total int, err error) error {
	sink.emit(events)
	logging.Info("watch finished", "events", total)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// eventSink logs every event and, with a broker, publishes each batch as one JSON message.
type eventSink struct {
	client mqtt.Client
	topic  string
}

func newEventSink(o options) *eventSink {
	s := &eventSink{topic: o.topic}
	if o.broker == "" {
		return s
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.broker)
	opts.SetClientID(fmt.Sprintf("plcwatch-%d", time.Now().UnixNano()))
	opts.SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logging.Warn("MQTT connect error, events are only logged", "broker", o.broker, "error", token.Error())
		return s
	}
	s.client = client
	return s
}

func (s *eventSink) emit(events []probe.Event) {
	if len(events) == 0 {
		return
	}
	for _, e := range events {
		logging.Info("event", "utcMs", e.UtcMs, "address", e.Address, "state", e.State)
	}
	if s.client == nil {
		return
	}
	payload, err := json.Marshal(events)
	if err != nil {
		logging.Error("marshal events", "error", err)
		return
	}
	token := s.client.Publish(s.topic, 1, false, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		logging.Warn("MQTT publish error", "topic", s.topic, "error", token.Error())
	}
}

func (s *eventSink) close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}
