// Package telegram implements the remote.Client boundary over MTProto
// using gotd/td.
package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tgmirror/tgmirror/internal/remote"
)

// UpdateFunc receives raw update payloads from the connection.
type UpdateFunc func(ctx context.Context, u tg.UpdatesClass)

// Options configures the MTProto client.
type Options struct {
	APIID       int
	APIHash     string
	SessionPath string
	// OnUpdate is invoked for every update batch delivered by the
	// server. Optional.
	OnUpdate UpdateFunc
	Logger   *zap.Logger
}

type entityInfo struct {
	kind       string // user, group, channel
	accessHash int64
	title      string
}

// Client is the gotd-backed implementation of remote.Client.
type Client struct {
	apiID        int
	apiHash      string
	sessionPath  string
	onUpdate     UpdateFunc
	onDisconnect func(error)
	logger       *zap.Logger

	// Outer request pacing, beneath the coalescer's per-peer throttle.
	limiter *rate.Limiter

	mu        sync.RWMutex
	client    *telegram.Client
	api       *tg.Client
	connected bool
	cancel    context.CancelFunc
	runDone   chan struct{}

	entMu    sync.RWMutex
	entities map[int64]entityInfo
}

// New creates a disconnected client.
func New(opts Options) (*Client, error) {
	if opts.APIID == 0 || opts.APIHash == "" {
		return nil, fmt.Errorf("api_id and api_hash are required")
	}
	if opts.SessionPath == "" {
		return nil, fmt.Errorf("session path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		apiID:       opts.APIID,
		apiHash:     opts.APIHash,
		sessionPath: opts.SessionPath,
		onUpdate:    opts.OnUpdate,
		logger:      logger.With(zap.String("component", "telegram")),
		limiter:     rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		entities:    make(map[int64]entityInfo),
	}, nil
}

// SetOnUpdate installs the update handler. Must be called before Connect.
func (c *Client) SetOnUpdate(fn UpdateFunc) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// SetOnDisconnect installs a handler invoked when an established
// connection drops without Disconnect being called. Must be called
// before Connect.
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// Connect establishes the MTProto connection and verifies authorization.
// Returns remote.ErrAuthRequired when the stored session is missing or
// revoked; the daemon surfaces that as AUTH_REQUIRED instead of failing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	c.logger.Info("connecting")

	opts := telegram.Options{
		SessionStorage: &session.FileStorage{Path: c.sessionPath},
	}
	if c.onUpdate != nil {
		opts.UpdateHandler = telegram.UpdateHandlerFunc(func(ctx context.Context, u tg.UpdatesClass) error {
			c.onUpdate(ctx, u)
			return nil
		})
	}
	c.client = telegram.NewClient(c.apiID, c.apiHash, opts)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.runDone = make(chan struct{})

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		defer close(c.runDone)
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			c.api = c.client.API()

			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				return remote.ErrAuthRequired
			}

			c.logger.Info("session restored")
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		select {
		case errCh <- err:
		default:
		}

		// Disconnect clears connected before cancelling, so a run loop
		// that exits while connected is still set means the link dropped.
		c.mu.Lock()
		dropped := c.connected
		c.connected = false
		fn := c.onDisconnect
		c.mu.Unlock()
		if dropped && fn != nil {
			fn(err)
		}
	}()

	select {
	case <-ready:
		c.connected = true
		return nil
	case err := <-errCh:
		cancel()
		if err != nil {
			return err
		}
		return fmt.Errorf("connection closed before ready")
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Disconnect tears down the connection and waits for the run loop to
// exit. Safe to call when not connected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	runDone := c.runDone
	c.connected = false
	c.client = nil
	c.api = nil
	c.cancel = nil
	c.runDone = nil
	c.mu.Unlock()

	cancel()
	select {
	case <-runDone:
		c.logger.Info("disconnected")
	case <-ctx.Done():
		c.logger.Warn("disconnect timeout while waiting for run loop")
	}
	return nil
}

// IsConnected reports whether the MTProto connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) apiClient() (*tg.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.api == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.api, nil
}

// invoke paces an API call and translates flood-wait errors into the
// remote package's signal type.
func (c *Client) invoke(ctx context.Context, fn func(api *tg.Client) error) error {
	api, err := c.apiClient()
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := fn(api); err != nil {
		if wait, ok := tgerr.AsFloodWait(err); ok {
			return &remote.FloodWaitError{Wait: wait}
		}
		return err
	}
	return nil
}

func (c *Client) rememberEntity(id int64, kind string, accessHash int64, title string) {
	if id == 0 {
		return
	}
	c.entMu.Lock()
	prev, ok := c.entities[id]
	if ok && title == "" {
		title = prev.title
	}
	c.entities[id] = entityInfo{kind: kind, accessHash: accessHash, title: title}
	c.entMu.Unlock()
}

func (c *Client) entity(id int64) (entityInfo, bool) {
	c.entMu.RLock()
	defer c.entMu.RUnlock()
	e, ok := c.entities[id]
	return e, ok
}

// inputPeer builds the API peer reference for a dialog the client has
// seen before. Unknown peers need a roster or resolve pass first.
func (c *Client) inputPeer(dialogID int64) (tg.InputPeerClass, error) {
	e, ok := c.entity(dialogID)
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", dialogID)
	}
	switch e.kind {
	case "user":
		return &tg.InputPeerUser{UserID: dialogID, AccessHash: e.accessHash}, nil
	case "group":
		return &tg.InputPeerChat{ChatID: dialogID}, nil
	case "channel":
		return &tg.InputPeerChannel{ChannelID: dialogID, AccessHash: e.accessHash}, nil
	default:
		return nil, fmt.Errorf("unknown peer kind %q for %d", e.kind, dialogID)
	}
}

// registerUsers caches identity info for every user entity in a response.
func (c *Client) registerUsers(users []tg.UserClass) {
	for _, uc := range users {
		u, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		hash, _ := u.GetAccessHash()
		first, _ := u.GetFirstName()
		last, _ := u.GetLastName()
		title := first
		if last != "" {
			if title != "" {
				title += " "
			}
			title += last
		}
		c.rememberEntity(u.ID, "user", hash, title)
	}
}

// registerChats caches identity info for chat and channel entities.
func (c *Client) registerChats(chats []tg.ChatClass) {
	for _, cc := range chats {
		switch ch := cc.(type) {
		case *tg.Chat:
			c.rememberEntity(ch.ID, "group", 0, ch.Title)
		case *tg.Channel:
			// Megagroups present as groups but address as channels on
			// the wire, so the registry keeps the wire kind.
			hash, _ := ch.GetAccessHash()
			c.rememberEntity(ch.ID, "channel", hash, ch.Title)
		}
	}
}

var _ remote.Client = (*Client)(nil)
