package supervisor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fisaks/plcsim/internal/logging"
	"github.com/fisaks/plcsim/internal/state"
)

// Unit is one long-running part of the process. Run returns when the unit
// stops, either because it saw the shutdown flag or because it failed.
type Unit struct {
	Name string
	Run  func() error
}

// Run starts every unit in its own goroutine and waits for all of them.
// The first unit to return raises the shutdown flag so the others wind down.
// Every failure is reported; none masks another.
func Run(shared *state.SharedState, units ...Unit) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, u := range units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := u.Run()
			if shared.Shutdown() {
				logging.Info("shutdown requested", "by", u.Name)
			}
			if err != nil {
				logging.Error("unit failed", "unit", u.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", u.Name, err))
				mu.Unlock()
				return
			}
			logging.Info("unit stopped", "unit", u.Name)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
