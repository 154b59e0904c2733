package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Dispatcher fans out run events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs}
}

// Dispatch sends the event to every webhook whose Decisions list matches and
// waits for delivery. Failures are joined; one failed webhook does not stop
// the others.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, cfg := range d.configs {
		if !matches(cfg.Decisions, event) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := Send(ctx, cfg, event); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", cfg.URL, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func matches(decisions []string, event Event) bool {
	for _, d := range decisions {
		if d == event.Decision || d == "*" {
			return true
		}
	}
	return false
}
