package privatechat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrReplicationStarted is returned when a replication run was already
// started with the same ReplicationState.
var ErrReplicationStarted = errors.New("privatechat: replication already started")

// Replicator result labels.
const (
	ReplicaSynced  = "synced"
	ReplicaSkipped = "skipped"
	ReplicaFailed  = "failed"
)

// ReplicationState records whether a session already ran the replicator.
// Share one value between every Replicator of a session.
type ReplicationState struct {
	mu       sync.Mutex
	started  bool
	finished bool
}

func (s *ReplicationState) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *ReplicationState) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
}

// Started reports whether a run has begun.
func (s *ReplicationState) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Finished reports whether a run has completed, successfully or not.
func (s *ReplicationState) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Reset allows another run, e.g. after signing out.
func (s *ReplicationState) Reset() {
	s.mu.Lock()
	s.started, s.finished = false, false
	s.mu.Unlock()
}

// ReplicatorConfig configures a Replicator.
type ReplicatorConfig struct {
	Source ConversationSource
	Cache  *OfflineCache
	// State guards against duplicate runs. Without one, each Replicator
	// gets its own.
	State       *ReplicationState
	Concurrency int
	ChunkDelay  time.Duration
	Logger      *zerolog.Logger
	Metrics     *Metrics
}

func (c *ReplicatorConfig) defaults() {
	if c.State == nil {
		c.State = &ReplicationState{}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.ChunkDelay == 0 {
		c.ChunkDelay = 300 * time.Millisecond
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ReplicationReport summarizes a run.
type ReplicationReport struct {
	Total   int
	Synced  int
	Skipped int
	Failed  int
}

// Replicator copies every conversation missing from the offline cache into
// it, newest first, a few at a time.
type Replicator struct {
	config ReplicatorConfig
	log    zerolog.Logger
}

// NewReplicator creates a replicator.
func NewReplicator(config ReplicatorConfig) *Replicator {
	config.defaults()
	return &Replicator{
		config: config,
		log:    config.Logger.With().Str("component", "replicator").Logger(),
	}
}

// State returns the run guard.
func (r *Replicator) State() *ReplicationState {
	return r.config.State
}

// Run performs one sweep. onProgress, if non-nil, is called after every chunk
// with the number of conversations processed so far. Failures of individual
// conversations are logged and counted; only a failure to list conversations
// or a cancelled ctx ends the run with an error.
func (r *Replicator) Run(ctx context.Context, onProgress func(completed, total int)) (ReplicationReport, error) {
	var report ReplicationReport
	if !r.config.State.begin() {
		r.log.Debug().Msg("replication already started, skipping")
		return report, ErrReplicationStarted
	}
	defer r.config.State.finish()

	list, err := r.config.Source.ListConversations(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("replication failed to list conversations")
		return report, fmt.Errorf("list conversations: %w", err)
	}
	r.config.Cache.SaveConversationList(ctx, list)

	sorted := append([]ConversationInfo(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })
	report.Total = len(sorted)
	r.log.Info().Int("conversations", report.Total).Msg("starting conversation replication")

	var mu sync.Mutex
	record := func(result string) {
		mu.Lock()
		switch result {
		case ReplicaSynced:
			report.Synced++
		case ReplicaSkipped:
			report.Skipped++
		case ReplicaFailed:
			report.Failed++
		}
		mu.Unlock()
		r.config.Metrics.replicated(result)
	}

	completed := 0
	for start := 0; start < len(sorted); start += r.config.Concurrency {
		end := min(start+r.config.Concurrency, len(sorted))
		chunk := sorted[start:end]

		var g errgroup.Group
		for _, info := range chunk {
			info := info
			g.Go(func() error {
				record(r.replicate(ctx, info.ID))
				return nil
			})
		}
		_ = g.Wait()

		completed += len(chunk)
		r.progress(onProgress, completed, report.Total)

		if err := ctx.Err(); err != nil {
			return report, err
		}
		if end < len(sorted) {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(r.config.ChunkDelay):
			}
		}
	}

	r.log.Info().Int("synced", report.Synced).Int("skipped", report.Skipped).
		Int("failed", report.Failed).Msg("conversation replication complete")
	return report, nil
}

func (r *Replicator) replicate(ctx context.Context, id string) string {
	if r.config.Cache.HasConversationDetail(ctx, id) {
		return ReplicaSkipped
	}
	conv, err := FetchConversation(ctx, r.config.Source, id)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation_id", id).Msg("failed to replicate conversation")
		return ReplicaFailed
	}
	r.config.Cache.SaveConversationDetail(ctx, conv)
	return ReplicaSynced
}

func (r *Replicator) progress(fn func(int, int), completed, total int) {
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Msg("progress callback panicked")
		}
	}()
	fn(completed, total)
}
