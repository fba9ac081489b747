package live

import (
	"context"
	"time"
)

// simTask is one symbol's cancellable simulation loop. cancel stops the
// loop; done closes once the loop has fully exited, so a canceller can
// wait for the last in-flight tick to finish.
type simTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// runTask drives sym's simulated price walk. Each cycle sleeps a fresh
// jittered interval, then nudges the cached price by a bounded random
// step. The loop never touches e.mu, so untrack can hold the engine lock
// while waiting on done.
func (e *Engine) runTask(ctx context.Context, sym string, task *simTask) {
	defer close(task.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.jitter()):
			if ctx.Err() != nil {
				return
			}
			e.tick(sym)
		}
	}
}

// tick applies one simulated price step: a uniform move in
// [-walkPercent, +walkPercent] around the last cached price. A symbol with
// no cached price yet is left alone until a seed arrives.
func (e *Engine) tick(sym string) {
	asset, ok := e.cache.Get(sym)
	if !ok || asset.Price <= 0 {
		return
	}
	step := (e.randFloat()*2 - 1) * e.cfg.WalkPercent / 100
	next := asset.Price * (1 + step)
	if next <= 0 {
		return
	}
	e.cache.Set(sym, next, e.clock.Now())
}

// jitter picks a tick interval uniformly inside the configured band, so
// symbol tasks drift apart instead of thundering in lockstep.
func (e *Engine) jitter() time.Duration {
	min := time.Duration(e.cfg.MinTickIntervalMS) * time.Millisecond
	max := time.Duration(e.cfg.MaxTickIntervalMS) * time.Millisecond
	if max <= min {
		return min
	}
	return min + time.Duration(e.randFloat()*float64(max-min))
}

// randFloat serializes access to the injected Rand; math/rand sources are
// not safe for concurrent use.
func (e *Engine) randFloat() float64 {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return e.rnd.Float64()
}
