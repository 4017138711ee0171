package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pheq/tgbotd/pkg/backoff"
	"github.com/pheq/tgbotd/pkg/bus"
	"github.com/pheq/tgbotd/pkg/logger"
	"github.com/pheq/tgbotd/pkg/source"
)

// pollGrace is added on top of the long-poll window so the client-side
// timeout only fires when the transport is actually stuck.
const pollGrace = 10 * time.Second

type Config struct {
	PollTimeout time.Duration
	PollLimit   int
	Backoff     backoff.Policy

	// AllowFrom restricts ingestion to the listed chat ids. Empty means
	// every chat is accepted.
	AllowFrom []int64
}

// Loop pulls raw messages from the source, normalizes them and feeds the
// inbound queue. The cursor (highest update id seen) lives in memory only;
// after a restart the source's own unseen semantics apply.
type Loop struct {
	src    source.Source
	queue  *bus.Queue
	cfg    Config
	stats  *bus.Stats
	allow  map[int64]bool
	cursor atomic.Int64
}

func NewLoop(src source.Source, queue *bus.Queue, stats *bus.Stats, cfg Config) *Loop {
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = 100
	}
	var allow map[int64]bool
	if len(cfg.AllowFrom) > 0 {
		allow = make(map[int64]bool, len(cfg.AllowFrom))
		for _, id := range cfg.AllowFrom {
			allow[id] = true
		}
	}
	return &Loop{
		src:   src,
		queue: queue,
		cfg:   cfg,
		stats: stats,
		allow: allow,
	}
}

// Cursor returns the highest update id seen so far.
func (l *Loop) Cursor() int64 {
	return l.cursor.Load()
}

// Run polls until ctx is cancelled. Transport failures back off
// exponentially with jitter and never escape the loop.
func (l *Loop) Run(ctx context.Context) error {
	bo := backoff.New(l.cfg.Backoff)

	for ctx.Err() == nil {
		pollCtx, cancel := context.WithTimeout(ctx, l.cfg.PollTimeout+pollGrace)
		raws, err := l.src.Poll(pollCtx, l.cursor.Load(), l.cfg.PollLimit)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			hint := source.RetryAfterHint(err)
			logger.WarnCF("ingest", "Poll failed, backing off", map[string]interface{}{
				"error":       err.Error(),
				"retry_after": hint.String(),
			})
			if bo.Sleep(ctx, hint) != nil {
				return nil
			}
			continue
		}
		bo.Reset()

		for _, raw := range raws {
			if raw.ID > l.cursor.Load() {
				l.cursor.Store(raw.ID)
			}

			msg, ok := l.normalize(raw)
			if !ok {
				continue
			}

			if err := l.queue.Enqueue(ctx, msg); err != nil {
				if errors.Is(err, bus.ErrQueueFull) {
					logger.WarnCF("ingest", "Queue full, message dropped", map[string]interface{}{
						"id":      msg.ID,
						"chat_id": msg.ChatID,
					})
					continue
				}
				// Context cancelled while blocked on a full queue.
				return nil
			}
		}
	}
	return nil
}

// normalize validates a raw message and builds the immutable
// InboundMessage. Malformed or unauthorized items are skipped; they never
// stall the rest of the batch.
func (l *Loop) normalize(raw source.Raw) (bus.InboundMessage, bool) {
	if raw.ChatID == 0 || strings.TrimSpace(raw.Text) == "" {
		l.stats.AddSkippedMalformed()
		logger.DebugCF("ingest", "Skipping non-dispatchable update", map[string]interface{}{
			"id": raw.ID,
		})
		return bus.InboundMessage{}, false
	}

	if l.allow != nil && !l.allow[raw.ChatID] {
		logger.WarnCF("ingest", "Message rejected by allowlist", map[string]interface{}{
			"chat_id":   raw.ChatID,
			"sender_id": raw.SenderID,
		})
		return bus.InboundMessage{}, false
	}

	return bus.InboundMessage{
		ID:            raw.ID,
		ChatID:        raw.ChatID,
		SenderID:      raw.SenderID,
		Text:          raw.Text,
		ReceivedAt:    time.Now(),
		CorrelationID: uuid.NewString(),
	}, true
}
