package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tradingengine/models"
)

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// Engine supervises one runner per started strategy. The registry is the
// authoritative liveness source: a strategy is running iff its runner is
// registered here, regardless of the persisted status column.
type Engine struct {
	deps Deps

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewEngine creates the supervisor.
func NewEngine(deps Deps) *Engine {
	deps.applyDefaults()
	return &Engine{
		deps:    deps,
		runners: make(map[string]*Runner),
	}
}

// StartStrategy launches a runner for the strategy id. Starting an
// already-running strategy is an error.
func (e *Engine) StartStrategy(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, exists := e.runners[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("strategy: %s already running", id)
	}
	e.mu.Unlock()

	runner, err := NewRunner(ctx, id, e.deps)
	if err != nil {
		// Initialisation failures are persisted so the UI sees the error
		// state rather than a silent stopped strategy.
		if statusErr := e.deps.Store.UpdateStrategyStatus(ctx, id, models.StrategyError); statusErr != nil {
			log.Printf("[Engine] persist error status for %s: %v", id, statusErr)
		}
		return err
	}

	e.mu.Lock()
	if _, exists := e.runners[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("strategy: %s already running", id)
	}
	e.runners[id] = runner
	e.mu.Unlock()

	go func() {
		defer e.unregister(id)
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[Engine] runner %s panicked: %v", id, rec)
				bg, cancel := contextWithTimeout()
				defer cancel()
				if err := e.deps.Store.UpdateStrategyStatus(bg, id, models.StrategyError); err != nil {
					log.Printf("[Engine] persist error status for %s: %v", id, err)
				}
				_ = e.deps.Store.AppendStrategyEvent(bg, models.StrategyEvent{
					StrategyID: id,
					Type:       models.EventError,
					Message:    fmt.Sprintf("runner crashed: %v", rec),
				})
			}
		}()

		if err := runner.Start(ctx); err != nil {
			log.Printf("[Engine] runner %s exited with error: %v", id, err)
		}
	}()

	log.Printf("[Engine] started strategy %s", id)
	return nil
}

// StopStrategy terminates the runner for the strategy id.
func (e *Engine) StopStrategy(id string) error {
	e.mu.Lock()
	runner, exists := e.runners[id]
	e.mu.Unlock()
	if !exists {
		return fmt.Errorf("strategy: %s not running", id)
	}

	runner.Stop()
	e.unregister(id)
	log.Printf("[Engine] stopped strategy %s", id)
	return nil
}

// PauseStrategy suspends signal evaluation for a running strategy.
func (e *Engine) PauseStrategy(id string) error {
	return e.setPaused(id, true)
}

// ResumeStrategy resumes signal evaluation.
func (e *Engine) ResumeStrategy(id string) error {
	return e.setPaused(id, false)
}

func (e *Engine) setPaused(id string, paused bool) error {
	e.mu.Lock()
	runner, exists := e.runners[id]
	e.mu.Unlock()
	if !exists {
		return fmt.Errorf("strategy: %s not running", id)
	}
	runner.SetPaused(paused)
	return nil
}

// Running reports whether a runner for the id is alive in the registry.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists := e.runners[id]
	return exists
}

// RunningIDs returns the ids of all live runners.
func (e *Engine) RunningIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runners))
	for id := range e.runners {
		ids = append(ids, id)
	}
	return ids
}

// AutoStart launches a runner for every strategy whose persisted status is
// running, recovering the pre-restart state at boot.
func (e *Engine) AutoStart(ctx context.Context) {
	strategies, err := e.deps.Store.ListStrategies(ctx)
	if err != nil {
		log.Printf("[Engine] auto-start: list strategies: %v", err)
		return
	}

	for _, st := range strategies {
		if st.Status != models.StrategyRunning {
			continue
		}
		if err := e.StartStrategy(ctx, st.ID); err != nil {
			log.Printf("[Engine] auto-start %s failed: %v", st.ID, err)
		}
	}
}

// StopAll terminates every live runner.
func (e *Engine) StopAll() {
	for _, id := range e.RunningIDs() {
		if err := e.StopStrategy(id); err != nil {
			log.Printf("[Engine] stop %s: %v", id, err)
		}
	}
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	delete(e.runners, id)
	e.mu.Unlock()
}
