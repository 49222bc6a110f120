package main

// cSpell:ignore mqtt plcsim
import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/fisaks/plcsim/internal/config"
	"github.com/fisaks/plcsim/internal/control"
	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/messaging"
	"github.com/fisaks/plcsim/internal/modbus"
	"github.com/fisaks/plcsim/internal/plc"
	"github.com/fisaks/plcsim/internal/registers"
	"github.com/fisaks/plcsim/internal/state"
	"github.com/fisaks/plcsim/internal/supervisor"
)

func main() {
	logging.Init()
	fast := slices.Contains(os.Args[1:], "fast")

	cfg := config.Default()
	if path := os.Getenv("SIM_CONFIG_PATH"); path != "" {
		loaded, err := config.LoadSimConfig(path)
		if err != nil {
			logging.Fatal("Sim config error", "path", path, "error", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		logging.Fatal("Sim config error", "error", err)
	}

	regs := registers.NewContext(cfg.Banks)
	if err := regs.WriteWords(registers.HoldingRegisters, 0, config.SeedHoldings(cfg.Banks)); err != nil {
		logging.Fatal("seeding holding registers", "error", err)
	}
	shared := state.NewSharedState(cfg.UnitId, regs)
	logging.Info("Loaded config",
		"listen", cfg.ListenAddr,
		"unit", cfg.UnitId,
		"coils", cfg.Banks.Coils,
		"discreteInputs", cfg.Banks.DiscreteInputs,
		"inputRegisters", cfg.Banks.InputRegisters,
		"holdingRegisters", cfg.Banks.HoldingRegisters,
		"tickMs", cfg.TickInterval(fast).Milliseconds(),
	)

	// Graceful shutdown context for the optional side services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logging.Info("Shutting down", "signal", s.String())
		shared.Shutdown()
	}()

	// Side services log their failures but never take the simulator down.
	var side sync.WaitGroup
	runSide := func(name string, run func() error) {
		side.Add(1)
		go func() {
			defer side.Done()
			if err := run(); err != nil {
				logging.Warn("side service failed", "service", name, "error", err)
			}
		}()
	}
	if cfg.RestAddr != "" {
		api := control.NewServer(shared)
		runSide("control", func() error { return api.Run(ctx, cfg.RestAddr) })
	}
	if m := cfg.Mqtt; m != nil {
		broker := messaging.NewMsgBroker(messaging.BrokerConfig{
			BrokerURL:      m.BrokerURL,
			ClientName:     m.ClientName,
			TopicPrefix:    m.TopicPrefix,
			ConnectTimeout: m.ConnectTimeout(),
			PublishTimeout: m.PublishTimeout(),
		})
		mirror := messaging.NewStatePublisher(broker, shared, config.BuildSimInfo(cfg, fast), *m)
		runSide("mqtt", func() error { return mirror.Run(ctx) })
	}

	acceptor := modbus.NewAcceptor(cfg.ListenAddr, cfg.AcceptPoll(), shared)
	sim := plc.NewSimulation(shared, cfg.TickInterval(fast), cfg.IdleSleep())
	err := supervisor.Run(shared,
		supervisor.Unit{Name: "acceptor", Run: acceptor.Run},
		supervisor.Unit{Name: "plc", Run: sim.Run},
	)

	cancel()
	side.Wait()
	if err != nil {
		logging.Error("plcsim failed", "error", err)
		os.Exit(1)
	}
	logging.Info("bye")
}
