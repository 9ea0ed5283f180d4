package dialogs

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tgmirror/tgmirror/internal/config"
	"github.com/tgmirror/tgmirror/internal/remote"
	"github.com/tgmirror/tgmirror/internal/store"
)

// Prefetcher fills in dialog previews for freshly materialized peers:
// one batched top-message lookup first, then bounded-concurrency
// per-peer fallback with jitter for whatever the batch missed.
type Prefetcher struct {
	db     *store.DB
	client remote.Client
	co     *remote.Coalescer
	cfg    config.Sync
	logger *zap.Logger

	mu   sync.Mutex
	done map[int64]bool
}

// NewPrefetcher creates a prefetcher.
func NewPrefetcher(db *store.DB, client remote.Client, co *remote.Coalescer, cfg config.Sync, logger *zap.Logger) *Prefetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prefetcher{
		db:     db,
		client: client,
		co:     co,
		cfg:    cfg,
		logger: logger,
		done:   make(map[int64]bool),
	}
}

// Prefetch resolves the newest message for each dialog and writes it to
// the store. isCurrent is checked after every suspension point; once it
// reports false the work is stale and stops writing. Failures are
// per-dialog and never abort the batch.
func (p *Prefetcher) Prefetch(ctx context.Context, dialogIDs []int64, isCurrent func() bool) {
	if isCurrent == nil {
		isCurrent = func() bool { return true }
	}
	pending := p.claim(dialogIDs)
	if len(pending) == 0 {
		return
	}

	resolved := p.batchTop(ctx, pending, isCurrent)
	if !isCurrent() {
		p.release(pending, resolved)
		return
	}

	var missed []int64
	for _, id := range pending {
		if !resolved[id] {
			missed = append(missed, id)
		}
	}
	p.fallback(ctx, missed, isCurrent)
}

// MissingPreviews prefetches previews for stored dialogs that still have
// none. Run after reconnects to heal gaps.
func (p *Prefetcher) MissingPreviews(ctx context.Context) {
	ids, err := p.db.DialogsMissingPreview(p.cfg.PrefetchLimit)
	if err != nil {
		p.logger.Warn("missing-preview scan failed", zap.Error(err))
		return
	}
	p.Prefetch(ctx, ids, nil)
}

// claim filters out dialogs already prefetched and marks the rest.
func (p *Prefetcher) claim(ids []int64) []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pending []int64
	for _, id := range ids {
		if id == 0 || p.done[id] {
			continue
		}
		p.done[id] = true
		pending = append(pending, id)
	}
	return pending
}

// release un-claims dialogs whose prefetch never completed, so a later
// epoch can retry them.
func (p *Prefetcher) release(ids []int64, resolved map[int64]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if !resolved[id] {
			delete(p.done, id)
		}
	}
}

// batchTop attempts one combined lookup for all pending dialogs. Returns
// the set it managed to resolve and store.
func (p *Prefetcher) batchTop(ctx context.Context, ids []int64, isCurrent func() bool) map[int64]bool {
	resolved := make(map[int64]bool)
	key := fmt.Sprintf("batch_top:%v", ids)
	tops, err := remote.Cached(ctx, p.co, key, "", 0, func(ctx context.Context) ([]remote.TopMessage, error) {
		return p.client.FetchEntityBatchTop(ctx, ids)
	})
	if err != nil {
		p.logger.Debug("batch top lookup failed, falling back per peer", zap.Error(err))
		return resolved
	}
	if !isCurrent() {
		return resolved
	}
	for _, top := range tops {
		if top.Message == nil {
			continue
		}
		if err := p.db.UpsertMessages(top.DialogID, []store.MessagePatch{*top.Message}); err != nil {
			p.logger.Warn("batch top upsert failed", zap.Int64("dialog_id", top.DialogID), zap.Error(err))
			continue
		}
		resolved[top.DialogID] = true
	}
	return resolved
}

// fallback fetches per-peer history heads with a small concurrency bound
// and jittered spacing. A channel with no visible history is joined and
// retried once.
func (p *Prefetcher) fallback(ctx context.Context, ids []int64, isCurrent func() bool) {
	if len(ids) == 0 {
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	limit := p.cfg.PrefetchConcurrency
	if limit <= 0 {
		limit = 3
	}
	g.SetLimit(limit)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			// Jitter keeps the fallback from bursting after the batch.
			jitter := time.Duration(120+rand.Intn(80)) * time.Millisecond
			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return nil
			}
			if !isCurrent() {
				return nil
			}
			p.fetchTop(ctx, id, isCurrent, true)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Prefetcher) fetchTop(ctx context.Context, dialogID int64, isCurrent func() bool, mayJoin bool) {
	peerKey := strconv.FormatInt(dialogID, 10)
	key := "history_head:" + peerKey
	msgs, err := remote.Cached(ctx, p.co, key, peerKey, p.cfg.HistoryTTL(), func(ctx context.Context) ([]store.MessagePatch, error) {
		return p.client.FetchHistory(ctx, dialogID, 1, 0)
	})
	if err != nil {
		p.logger.Debug("preview fetch failed", zap.Int64("dialog_id", dialogID), zap.Error(err))
		p.unclaim(dialogID)
		return
	}
	if !isCurrent() {
		p.unclaim(dialogID)
		return
	}
	if len(msgs) == 0 {
		if mayJoin && p.isChannel(dialogID) {
			// Non-members see empty channel history; join and retry once.
			if err := p.client.JoinChannel(ctx, dialogID); err != nil {
				p.logger.Debug("channel join failed", zap.Int64("dialog_id", dialogID), zap.Error(err))
				return
			}
			p.co.Invalidate(key)
			p.fetchTop(ctx, dialogID, isCurrent, false)
		}
		return
	}
	if err := p.db.UpsertMessages(dialogID, msgs); err != nil {
		p.logger.Warn("preview upsert failed", zap.Int64("dialog_id", dialogID), zap.Error(err))
	}
}

func (p *Prefetcher) unclaim(dialogID int64) {
	p.mu.Lock()
	delete(p.done, dialogID)
	p.mu.Unlock()
}

func (p *Prefetcher) isChannel(dialogID int64) bool {
	d, err := p.db.GetDialog(dialogID)
	return err == nil && d != nil && d.Kind == "channel"
}
