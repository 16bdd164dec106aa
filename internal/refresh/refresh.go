// Package refresh orchestrates the proxy lifecycle pipeline: it clears the
// pool, fans out to the configured source providers, feeds the validator,
// and installs the survivors.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drsoft-oss/proxyhub/internal/pool"
	"github.com/drsoft-oss/proxyhub/internal/source"
	"github.com/drsoft-oss/proxyhub/internal/validator"
)

// Orchestrator ties providers, validator, and pool together. At most one
// refresh runs at a time.
type Orchestrator struct {
	pool      *pool.Pool
	providers []source.Provider
	validator *validator.Validator
	log       *slog.Logger

	mu      sync.Mutex
	busy    bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates an Orchestrator over the given provider set.
func New(p *pool.Pool, providers []source.Provider, v *validator.Validator, log *slog.Logger) *Orchestrator {
	return &Orchestrator{pool: p, providers: providers, validator: v, log: log}
}

// Refresh clears the pool, harvests candidates from every provider,
// validates them, and admits the Working survivors. It returns the number
// admitted; a non-nil error reports cancellation or an already-running
// refresh. Partial results admitted before cancellation stay in the pool.
func (o *Orchestrator) Refresh(ctx context.Context) (int, error) {
	if !o.acquire() {
		return 0, fmt.Errorf("a refresh is already running")
	}
	defer o.release()

	o.pool.Clear()

	o.log.Info("refresh started", "providers", len(o.providers))
	candidates := o.harvest(ctx)
	if ctx.Err() != nil {
		o.log.Info("refresh cancelled during harvest")
		return 0, ctx.Err()
	}

	total := 0
	for _, addrs := range candidates {
		total += len(addrs)
	}
	o.log.Info("harvest finished", "candidates", total)

	if err := o.validator.AcquirePublicIP(ctx); err != nil {
		o.log.Warn("public ip discovery failed, transparent detection degraded", "error", err)
	}

	admitted := o.runValidation(ctx, flatten(candidates))
	if ctx.Err() != nil {
		o.log.Info("refresh cancelled during validation", "admitted", admitted)
		return admitted, ctx.Err()
	}
	o.log.Info("refresh finished", "admitted", admitted)
	return admitted, nil
}

// CheckList validates a caller-supplied candidate list and admits the
// survivors without clearing the pool.
func (o *Orchestrator) CheckList(ctx context.Context, candidates []validator.Candidate) (int, error) {
	if !o.acquire() {
		return 0, fmt.Errorf("a refresh is already running")
	}
	defer o.release()

	admitted := o.runValidation(ctx, candidates)
	o.log.Info("manual check finished", "admitted", admitted)
	return admitted, ctx.Err()
}

// Revalidate re-runs the full probe over the current pool contents,
// patching each entry in place. Entries failing the probe are demoted.
func (o *Orchestrator) Revalidate(ctx context.Context) (int, error) {
	if !o.acquire() {
		return 0, fmt.Errorf("a refresh is already running")
	}
	defer o.release()

	snapshot := o.pool.Snapshot()
	o.log.Info("revalidation started", "entries", len(snapshot))

	working := 0
	for _, e := range snapshot {
		if ctx.Err() != nil {
			return working, ctx.Err()
		}
		probed, ok := o.validator.Probe(ctx, validator.Candidate{
			Address:  e.Address,
			Protocol: e.Protocol,
		})
		status := pool.StatusUnavailable
		if ok {
			status = pool.StatusWorking
			working++
		}
		zero := 0
		o.pool.Update(e.Address, pool.Patch{
			Latency:             &probed.Latency,
			Speed:               &probed.Speed,
			Anonymity:           &probed.Anonymity,
			Location:            &probed.Location,
			Score:               &probed.Score,
			Status:              &status,
			ConsecutiveFailures: &zero,
		})
	}
	o.log.Info("revalidation finished", "working", working)
	return working, nil
}

// StartAutoRefresh launches the periodic refresh loop. Stop with
// StopAutoRefresh; shutdown latency is about one second.
func (o *Orchestrator) StartAutoRefresh(interval time.Duration) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	stopped := make(chan struct{})
	o.stopped = stopped
	o.mu.Unlock()

	o.log.Info("auto refresh enabled", "interval", interval)
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			if _, err := o.Refresh(ctx); err != nil && ctx.Err() != nil {
				return
			}
			// Cancellable sleep: poll the stop signal every second so
			// shutdown is prompt even with long intervals.
			deadline := time.Now().Add(interval)
			for time.Now().Before(deadline) {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}
	}()
}

// StopAutoRefresh cancels the loop and waits for it to exit.
func (o *Orchestrator) StopAutoRefresh() {
	o.mu.Lock()
	cancel := o.cancel
	stopped := o.stopped
	o.cancel = nil
	o.stopped = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
		o.log.Info("auto refresh stopped")
	}
}

// Busy reports whether a refresh/validation pass is in flight.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// harvest fans out to all providers concurrently and merges their output.
func (o *Orchestrator) harvest(ctx context.Context) map[pool.Protocol][]string {
	sets := make([]map[pool.Protocol][]string, len(o.providers))
	var wg sync.WaitGroup
	for i, p := range o.providers {
		wg.Add(1)
		go func(i int, p source.Provider) {
			defer wg.Done()
			sets[i] = p.Produce(ctx)
		}(i, p)
	}
	wg.Wait()
	return source.Merge(sets...)
}

// runValidation drains the validator and admits Working entries.
func (o *Orchestrator) runValidation(ctx context.Context, candidates []validator.Candidate) int {
	admitted := 0
	for entry := range o.validator.Run(ctx, candidates) {
		if entry.Status != pool.StatusWorking {
			continue
		}
		o.pool.Add(entry)
		admitted++
	}
	return admitted
}

func (o *Orchestrator) acquire() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return false
	}
	o.busy = true
	return true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

func flatten(sets map[pool.Protocol][]string) []validator.Candidate {
	var out []validator.Candidate
	for proto, addrs := range sets {
		for _, addr := range addrs {
			out = append(out, validator.Candidate{Address: addr, Protocol: proto})
		}
	}
	return out
}
