// Package cluster implements C9, the blacklist & deferred-command
// queue: per-host failure state, with a background reaper retrying
// pending operations on blacklist expiry (spec.md §4.9).
package cluster

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/NghiaTiGer102/HRDBMStest/rpcwire"
)

// DeferredCommand is a (command, tx) pair queued against a blacklisted
// host, to be redelivered once the host recovers (spec.md §4.9).
type DeferredCommand struct {
	Command      rpcwire.Command
	Tx           uint64
	Participants []string // every host of the failed branch's subtree, Host included, flattened by the caller
	Host         string
}

type hostState struct {
	blacklisted   bool
	blacklistedAt time.Time
	pending       []DeferredCommand
}

// Redeliver attempts to resend one DeferredCommand; the caller (dispatch)
// owns how that actually happens (a fresh branch dispatch).
type Redeliver func(cmd DeferredCommand) error

// Cluster owns the process-wide `(host -> {blacklisted?, pending_ops[]})`
// state (spec.md §4.9, §5 "behind its own mutex; retry worker holds it
// only briefly"). State is in-memory; on process death, recovery (C4)
// replays commitment intent from the XA log instead.
type Cluster struct {
	mu    sync.Mutex
	hosts map[string]*hostState
	log   *slog.Logger

	redeliver Redeliver
	backoff   retry.Backoff

	// redis is the optional shared-visibility backend for the
	// coordinator's admin HTTP surface (SPEC_FULL.md §2 domain layer
	// table): when set, blacklist transitions are mirrored into it so
	// multiple coordinator processes (or the admin UI) can observe the
	// same state without relying on this process's memory.
	redis *redis.Client

	stop chan struct{}
	done chan struct{}
}

// Config configures a Cluster.
type Config struct {
	Logger     *slog.Logger
	Redeliver  Redeliver
	ReapPeriod time.Duration
	Redis      *redis.Client // optional
}

// New constructs a Cluster and starts its background reaper.
func New(cfg Config) *Cluster {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	period := cfg.ReapPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	c := &Cluster{
		hosts:     make(map[string]*hostState),
		log:       log,
		redeliver: cfg.Redeliver,
		backoff:   retry.NewFibonacci(period),
		redis:     cfg.Redis,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.reapLoop(period)
	return c
}

func (c *Cluster) state(host string) *hostState {
	st, ok := c.hosts[host]
	if !ok {
		st = &hostState{}
		c.hosts[host] = st
	}
	return st
}

// Blacklist marks host as unreachable (spec.md §4.6 "On any I/O error to
// host H: blacklist H").
func (c *Cluster) Blacklist(host string) {
	c.mu.Lock()
	st := c.state(host)
	st.blacklisted = true
	st.blacklistedAt = time.Now()
	c.mu.Unlock()

	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.redis.HSet(ctx, "cluster:blacklist", host, st.blacklistedAt.Unix()).Err(); err != nil {
			c.log.Warn("cluster: redis mirror of blacklist failed", "host", host, "error", err)
		}
	}
}

// IsBlacklisted reports host's current blacklist status.
func (c *Cluster) IsBlacklisted(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[host]
	return ok && st.blacklisted
}

// Enqueue pushes cmd onto host's pending queue (spec.md §4.9 "push the
// (command, tx) onto H's pending queue").
func (c *Cluster) Enqueue(host string, cmd DeferredCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(host)
	st.pending = append(st.pending, cmd)
}

// Pending returns a snapshot of host's deferred queue, for the admin
// surface (SPEC_FULL.md Supplemented features item 2).
func (c *Cluster) Pending(host string) []DeferredCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[host]
	if !ok {
		return nil
	}
	out := make([]DeferredCommand, len(st.pending))
	copy(out, st.pending)
	return out
}

// Snapshot returns every currently blacklisted host, for the admin
// surface.
func (c *Cluster) Snapshot() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.hosts))
	for h, st := range c.hosts {
		out[h] = st.blacklisted
	}
	return out
}

// clear un-blacklists host once its queue drains successfully.
func (c *Cluster) clear(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[host]
	if !ok {
		return
	}
	st.blacklisted = false
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.redis.HDel(ctx, "cluster:blacklist", host).Err()
		cancel()
	}
}

// reapLoop retries pending ops against blacklisted hosts with a simple
// Fibonacci backoff (spec.md §4.9 "A background reaper retries pending
// ops on blacklist expiry (simple exponential backoff)").
func (c *Cluster) reapLoop(period time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	b := c.backoff
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.reapOnce(b)
		}
	}
}

func (c *Cluster) reapOnce(b retry.Backoff) {
	if c.redeliver == nil {
		return
	}
	c.mu.Lock()
	targets := make(map[string][]DeferredCommand, len(c.hosts))
	for h, st := range c.hosts {
		if st.blacklisted && len(st.pending) > 0 {
			targets[h] = append([]DeferredCommand(nil), st.pending...)
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for host, cmds := range targets {
		var remaining []DeferredCommand
		for _, cmd := range cmds {
			// One bounded retry.Do per command per reap tick, matching the
			// teacher's sop.Retry shape (_examples/SharedCode-sop/retry.go):
			// WithMaxRetries(3), i.e. up to four attempts, over the
			// Cluster's single Fibonacci backoff, whose delay state carries
			// over between commands and reap ticks.
			err := retry.Do(ctx, retry.WithMaxRetries(3, b), func(ctx context.Context) error {
				if err := c.redeliver(cmd); err != nil {
					return retry.RetryableError(err)
				}
				return nil
			})
			if err != nil {
				c.log.Debug("cluster: redeliver still failing", "host", host, "command", cmd.Command.String(), "tx", cmd.Tx, "error", err)
				remaining = append(remaining, cmd)
			}
		}
		c.mu.Lock()
		if st, ok := c.hosts[host]; ok {
			st.pending = remaining
		}
		c.mu.Unlock()
		if len(remaining) == 0 {
			c.clear(host)
		}
	}
}

// Close stops the background reaper.
func (c *Cluster) Close() {
	close(c.stop)
	<-c.done
}
