package config

import "github.com/fisaks/plcsim/internal/registers"

// SimInfoMessage describes the simulated unit to MQTT subscribers.
type SimInfoMessage struct {
	UnitId     uint8                `json:"unitId"`
	ListenAddr string               `json:"listenAddr"`
	TickMs     int                  `json:"tickMs"`
	Banks      registers.Capacities `json:"banks"`
}

func BuildSimInfo(cfg *SimConfig, fast bool) *SimInfoMessage {
	return &SimInfoMessage{
		UnitId:     cfg.UnitId,
		ListenAddr: cfg.ListenAddr,
		TickMs:     int(cfg.TickInterval(fast).Milliseconds()),
		Banks:      cfg.Banks,
	}
}

// SeedHoldings returns the bank capacities laid out as the first holding
// registers, truncated to the holding bank size.
func SeedHoldings(banks registers.Capacities) []uint16 {
	seed := []uint16{
		uint16(banks.Coils),
		uint16(banks.DiscreteInputs),
		uint16(banks.InputRegisters),
		uint16(banks.HoldingRegisters),
	}
	return seed[:min(len(seed), banks.HoldingRegisters)]
}
