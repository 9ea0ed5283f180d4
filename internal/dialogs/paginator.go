// Package dialogs drives incremental loading of the dialog list, blending
// locally known peers with cursor-driven remote pages.
package dialogs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tgmirror/tgmirror/internal/config"
	"github.com/tgmirror/tgmirror/internal/remote"
	"github.com/tgmirror/tgmirror/internal/store"
)

// Paginator owns the dialog-list cursor, a roster of every peer seen in
// the current loading epoch, and the set of peers already materialized
// into the store.
type Paginator struct {
	db         *store.DB
	client     remote.Client
	co         *remote.Coalescer
	prefetcher *Prefetcher
	cfg        config.Sync
	logger     *zap.Logger

	mu           sync.Mutex
	cursor       remote.Cursor
	hasMore      bool
	roster       map[int64]remote.Peer
	rosterOrder  []int64
	materialized map[int64]bool
	lastFetch    time.Time
	loading      bool
	epoch        int64
}

// NewPaginator creates a paginator starting from the top of the list.
func NewPaginator(db *store.DB, client remote.Client, co *remote.Coalescer, prefetcher *Prefetcher, cfg config.Sync, logger *zap.Logger) *Paginator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		db:           db,
		client:       client,
		co:           co,
		prefetcher:   prefetcher,
		cfg:          cfg,
		logger:       logger,
		hasMore:      true,
		roster:       make(map[int64]remote.Peer),
		materialized: make(map[int64]bool),
	}
}

// Reset starts a new loading epoch, discarding the roster and cursor.
// In-flight prefetch work detects the epoch change and stops writing.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch++
	p.cursor = remote.Cursor{}
	p.hasMore = true
	p.roster = make(map[int64]remote.Peer)
	p.rosterOrder = nil
	p.materialized = make(map[int64]bool)
	p.lastFetch = time.Time{}
}

// HasMore reports whether remote pages remain.
func (p *Paginator) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMore || len(p.rosterBacklogLocked()) > 0
}

// LoadPage advances the dialog list by one step. Non-initial calls first
// flush a bounded chunk of roster peers that are known locally but not
// yet materialized, without touching the network. Otherwise the next
// remote page is fetched, subject to a minimum spacing between fetches.
// The initial page materializes all pinned peers plus the most recent
// few; later pages materialize fully. Preview prefetch for the freshly
// materialized peers runs asynchronously.
func (p *Paginator) LoadPage(ctx context.Context, initial bool) error {
	p.mu.Lock()
	if p.loading {
		p.mu.Unlock()
		return nil
	}
	p.loading = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.loading = false
		p.mu.Unlock()
	}()

	if !initial {
		flushed, err := p.flushBacklog()
		if err != nil {
			return err
		}
		if flushed {
			return nil
		}
	}

	p.mu.Lock()
	if !p.hasMore {
		p.mu.Unlock()
		return nil
	}
	if since := time.Since(p.lastFetch); since < p.cfg.MinPageInterval() {
		// The UI spams load requests during fast scrolling; near-
		// simultaneous calls collapse into one fetch per interval.
		p.mu.Unlock()
		return nil
	}
	cursor := p.cursor
	epoch := p.epoch
	p.mu.Unlock()

	key := fmt.Sprintf("peers_page:%d:%d:%d", cursor.OffsetDate, cursor.OffsetID, cursor.OffsetPeer)
	page, err := remote.Cached(ctx, p.co, key, "", p.cfg.HistoryTTL(), func(ctx context.Context) (*remote.PeersPage, error) {
		return p.client.FetchPeersPage(ctx, cursor, p.cfg.PageSize)
	})
	if err != nil {
		if _, ok := remote.AsFloodWait(err); ok {
			p.logger.Warn("dialog page fetch rate limited", zap.Error(err))
			return nil
		}
		return fmt.Errorf("fetch peers page: %w", err)
	}

	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return nil
	}
	p.lastFetch = time.Now()
	p.cursor = page.NextCursor
	p.hasMore = page.HasMore
	for _, peer := range page.Peers {
		if _, seen := p.roster[peer.ID]; !seen {
			p.rosterOrder = append(p.rosterOrder, peer.ID)
		}
		p.roster[peer.ID] = peer
	}
	p.mu.Unlock()

	if len(page.Users) > 0 {
		if err := p.db.UpsertUsers(page.Users); err != nil {
			return fmt.Errorf("upsert users: %w", err)
		}
	}

	selected := selectForMaterialization(page.Peers, initial, p.cfg.InitialRecent)
	ids, err := p.materialize(selected)
	if err != nil {
		return err
	}
	p.startPrefetch(ctx, ids, epoch)
	return nil
}

// flushBacklog materializes a bounded chunk of roster peers that have not
// reached the store yet, ordered pinned-first by pin rank, then by
// recency, then by title. Reports whether anything was flushed.
func (p *Paginator) flushBacklog() (bool, error) {
	p.mu.Lock()
	backlog := p.rosterBacklogLocked()
	epoch := p.epoch
	p.mu.Unlock()
	if len(backlog) == 0 {
		return false, nil
	}

	sort.SliceStable(backlog, func(i, j int) bool {
		a, b := backlog[i], backlog[j]
		ap, bp := a.Pinned != nil && *a.Pinned, b.Pinned != nil && *b.Pinned
		if ap != bp {
			return ap
		}
		if ap && bp {
			ar, br := rankOf(a), rankOf(b)
			if ar != br {
				return ar < br
			}
		}
		if a.LastMessageAt != b.LastMessageAt {
			return a.LastMessageAt > b.LastMessageAt
		}
		return a.Title < b.Title
	})
	if len(backlog) > p.cfg.FlushChunk {
		backlog = backlog[:p.cfg.FlushChunk]
	}

	ids, err := p.materialize(backlog)
	if err != nil {
		return false, err
	}
	p.logger.Debug("flushed local backlog", zap.Int("count", len(ids)))
	p.startPrefetch(context.Background(), ids, epoch)
	return true, nil
}

func (p *Paginator) rosterBacklogLocked() []remote.Peer {
	var backlog []remote.Peer
	for _, id := range p.rosterOrder {
		if !p.materialized[id] {
			backlog = append(backlog, p.roster[id])
		}
	}
	return backlog
}

func rankOf(peer remote.Peer) int {
	if peer.PinRank != nil {
		return *peer.PinRank
	}
	return 1 << 30
}

// selectForMaterialization picks which peers of a fresh page reach the
// store now: all of them for subsequent pages, pinned plus the most
// recent few for the initial page.
func selectForMaterialization(peers []remote.Peer, initial bool, recentLimit int) []remote.Peer {
	if !initial {
		return peers
	}
	var pinned, others []remote.Peer
	for _, peer := range peers {
		if peer.Pinned != nil && *peer.Pinned {
			pinned = append(pinned, peer)
		} else {
			others = append(others, peer)
		}
	}
	sort.SliceStable(others, func(i, j int) bool {
		return others[i].LastMessageAt > others[j].LastMessageAt
	})
	if len(others) > recentLimit {
		others = others[:recentLimit]
	}
	return append(pinned, others...)
}

// materialize upserts peers into the store and records them as seen.
func (p *Paginator) materialize(peers []remote.Peer) ([]int64, error) {
	if len(peers) == 0 {
		return nil, nil
	}
	patches := make([]store.DialogPatch, 0, len(peers))
	ids := make([]int64, 0, len(peers))
	for _, peer := range peers {
		patches = append(patches, dialogPatchOf(peer))
		ids = append(ids, peer.ID)
	}
	if err := p.db.UpsertDialogs(patches); err != nil {
		return nil, fmt.Errorf("materialize dialogs: %w", err)
	}
	p.mu.Lock()
	for _, id := range ids {
		p.materialized[id] = true
	}
	p.mu.Unlock()
	return ids, nil
}

func (p *Paginator) startPrefetch(ctx context.Context, ids []int64, epoch int64) {
	if p.prefetcher == nil || len(ids) == 0 {
		return
	}
	go p.prefetcher.Prefetch(context.WithoutCancel(ctx), ids, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.epoch == epoch
	})
}

func dialogPatchOf(peer remote.Peer) store.DialogPatch {
	patch := store.DialogPatch{
		ID:       peer.ID,
		Pinned:   peer.Pinned,
		PinRank:  peer.PinRank,
		Archived: peer.Archived,
		FolderID: peer.FolderID,
	}
	if peer.Title != "" {
		t := peer.Title
		patch.Title = &t
	}
	if peer.Kind != "" {
		k := peer.Kind
		patch.Kind = &k
	}
	if peer.LastMessageAt > 0 {
		at := peer.LastMessageAt
		patch.LastMessageAt = &at
	}
	return patch
}
