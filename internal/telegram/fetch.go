package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgmirror/tgmirror/internal/remote"
	"github.com/tgmirror/tgmirror/internal/store"
)

// FetchHistory returns up to limit messages strictly older than beforeID.
func (c *Client) FetchHistory(ctx context.Context, dialogID int64, limit int, beforeID int64) ([]store.MessagePatch, error) {
	peer, err := c.inputPeer(dialogID)
	if err != nil {
		return nil, err
	}
	var result tg.MessagesMessagesClass
	err = c.invoke(ctx, func(api *tg.Client) error {
		var err error
		result, err = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: int(beforeID),
			Limit:    limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get history for %d: %w", dialogID, err)
	}

	msgs, users, chats := splitMessages(result)
	c.registerUsers(users)
	c.registerChats(chats)
	return ParseMessages(dialogID, msgs), nil
}

// FetchPeersPage returns the next page of the account's dialog list.
func (c *Client) FetchPeersPage(ctx context.Context, cursor remote.Cursor, limit int) (*remote.PeersPage, error) {
	offsetPeer := tg.InputPeerClass(&tg.InputPeerEmpty{})
	if cursor.OffsetPeer != 0 {
		if p, err := c.inputPeer(cursor.OffsetPeer); err == nil {
			offsetPeer = p
		}
	}
	var result tg.MessagesDialogsClass
	err := c.invoke(ctx, func(api *tg.Client) error {
		var err error
		result, err = api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: cursor.OffsetDate,
			OffsetID:   cursor.OffsetID,
			OffsetPeer: offsetPeer,
			Limit:      limit,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get dialogs: %w", err)
	}

	var (
		dialogs  []tg.DialogClass
		messages []tg.MessageClass
		chats    []tg.ChatClass
		users    []tg.UserClass
		hasMore  bool
	)
	switch r := result.(type) {
	case *tg.MessagesDialogs:
		dialogs, messages, chats, users = r.Dialogs, r.Messages, r.Chats, r.Users
	case *tg.MessagesDialogsSlice:
		dialogs, messages, chats, users = r.Dialogs, r.Messages, r.Chats, r.Users
		hasMore = len(dialogs) >= limit
	case *tg.MessagesDialogsNotModified:
		return &remote.PeersPage{}, nil
	default:
		return nil, fmt.Errorf("unexpected dialogs response %T", result)
	}

	c.registerUsers(users)
	c.registerChats(chats)

	kinds := make(map[int64]string)
	titles := make(map[int64]string)
	for _, cc := range chats {
		if id, kind, title, ok := ChatKind(cc); ok {
			kinds[id] = kind
			titles[id] = title
		}
	}
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			kinds[u.ID] = "user"
			first, _ := u.GetFirstName()
			last, _ := u.GetLastName()
			title := first
			if last != "" {
				if title != "" {
					title += " "
				}
				title += last
			}
			titles[u.ID] = title
		}
	}
	topDates := make(map[int64]map[int64]int64) // dialog -> msg -> date
	for _, mc := range messages {
		if did, p, ok := ParseMessage(mc); ok {
			if topDates[did] == nil {
				topDates[did] = make(map[int64]int64)
			}
			topDates[did][p.MsgID] = p.Date
		}
	}

	page := &remote.PeersPage{
		Users:   ParseUsers(users),
		HasMore: hasMore,
	}
	pinRank := 0
	for _, dc := range dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		id := PeerID(d.Peer)
		if id == 0 {
			continue
		}
		peer := remote.Peer{
			ID:           id,
			Kind:         kinds[id],
			Title:        titles[id],
			TopMessageID: int64(d.TopMessage),
		}
		if peer.Kind == "" {
			peer.Kind = "user"
		}
		if e, ok := c.entity(id); ok {
			peer.AccessHash = e.accessHash
		}
		if d.Pinned {
			pinned := true
			rank := pinRank
			pinRank++
			peer.Pinned = &pinned
			peer.PinRank = &rank
		}
		if folderID, ok := d.GetFolderID(); ok {
			archived := folderID == 1
			fid := folderID
			peer.Archived = &archived
			peer.FolderID = &fid
		}
		if dates, ok := topDates[id]; ok {
			peer.LastMessageAt = dates[int64(d.TopMessage)]
		}
		page.Peers = append(page.Peers, peer)
	}

	if len(page.Peers) > 0 {
		last := page.Peers[len(page.Peers)-1]
		page.NextCursor = remote.Cursor{
			OffsetDate: int(last.LastMessageAt),
			OffsetID:   int(last.TopMessageID),
			OffsetPeer: last.ID,
		}
	}
	c.logger.Debug("fetched peers page",
		zap.Int("peers", len(page.Peers)), zap.Bool("has_more", page.HasMore))
	return page, nil
}

// FetchEntityBatchTop resolves the newest message of several dialogs in
// one round trip. Dialogs the service does not return are simply absent.
func (c *Client) FetchEntityBatchTop(ctx context.Context, dialogIDs []int64) ([]remote.TopMessage, error) {
	var peers []tg.InputDialogPeerClass
	requested := make(map[int64]bool)
	for _, id := range dialogIDs {
		p, err := c.inputPeer(id)
		if err != nil {
			continue
		}
		peers = append(peers, &tg.InputDialogPeer{Peer: p})
		requested[id] = true
	}
	if len(peers) == 0 {
		return nil, nil
	}

	var result *tg.MessagesPeerDialogs
	err := c.invoke(ctx, func(api *tg.Client) error {
		var err error
		result, err = api.MessagesGetPeerDialogs(ctx, peers)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get peer dialogs: %w", err)
	}

	c.registerUsers(result.Users)
	c.registerChats(result.Chats)

	byDialog := make(map[int64]map[int64]store.MessagePatch)
	for _, mc := range result.Messages {
		if did, p, ok := ParseMessage(mc); ok {
			if byDialog[did] == nil {
				byDialog[did] = make(map[int64]store.MessagePatch)
			}
			byDialog[did][p.MsgID] = p
		}
	}

	var tops []remote.TopMessage
	for _, dc := range result.Dialogs {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}
		id := PeerID(d.Peer)
		if id == 0 || !requested[id] {
			continue
		}
		if msgs, ok := byDialog[id]; ok {
			if p, ok := msgs[int64(d.TopMessage)]; ok {
				tops = append(tops, remote.TopMessage{DialogID: id, Message: &p})
			}
		}
	}
	return tops, nil
}

// ResolveEntity refreshes a peer's identity from the service.
func (c *Client) ResolveEntity(ctx context.Context, dialogID int64) (*remote.Peer, error) {
	e, ok := c.entity(dialogID)
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", dialogID)
	}
	switch e.kind {
	case "user":
		var users []tg.UserClass
		err := c.invoke(ctx, func(api *tg.Client) error {
			var err error
			users, err = api.UsersGetUsers(ctx, []tg.InputUserClass{
				&tg.InputUser{UserID: dialogID, AccessHash: e.accessHash},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("resolve user %d: %w", dialogID, err)
		}
		c.registerUsers(users)
	case "group":
		var chats tg.MessagesChatsClass
		err := c.invoke(ctx, func(api *tg.Client) error {
			var err error
			chats, err = api.MessagesGetChats(ctx, []int64{dialogID})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("resolve chat %d: %w", dialogID, err)
		}
		c.registerChats(chatsOf(chats))
	case "channel":
		var chats tg.MessagesChatsClass
		err := c.invoke(ctx, func(api *tg.Client) error {
			var err error
			chats, err = api.ChannelsGetChannels(ctx, []tg.InputChannelClass{
				&tg.InputChannel{ChannelID: dialogID, AccessHash: e.accessHash},
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("resolve channel %d: %w", dialogID, err)
		}
		c.registerChats(chatsOf(chats))
	default:
		return nil, fmt.Errorf("unknown peer kind %q", e.kind)
	}

	e, _ = c.entity(dialogID)
	return &remote.Peer{ID: dialogID, Kind: e.kind, Title: e.title, AccessHash: e.accessHash}, nil
}

// JoinChannel joins a channel. Used by the prefetcher when a channel's
// history comes back empty for a non-member.
func (c *Client) JoinChannel(ctx context.Context, dialogID int64) error {
	e, ok := c.entity(dialogID)
	if !ok || e.kind != "channel" {
		return fmt.Errorf("peer %d is not a known channel", dialogID)
	}
	err := c.invoke(ctx, func(api *tg.Client) error {
		_, err := api.ChannelsJoinChannel(ctx, &tg.InputChannel{
			ChannelID:  dialogID,
			AccessHash: e.accessHash,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("join channel %d: %w", dialogID, err)
	}
	c.logger.Info("joined channel", zap.Int64("dialog_id", dialogID))
	return nil
}

func splitMessages(result tg.MessagesMessagesClass) ([]tg.MessageClass, []tg.UserClass, []tg.ChatClass) {
	switch r := result.(type) {
	case *tg.MessagesMessages:
		return r.Messages, r.Users, r.Chats
	case *tg.MessagesMessagesSlice:
		return r.Messages, r.Users, r.Chats
	case *tg.MessagesChannelMessages:
		return r.Messages, r.Users, r.Chats
	default:
		return nil, nil, nil
	}
}

func chatsOf(result tg.MessagesChatsClass) []tg.ChatClass {
	switch r := result.(type) {
	case *tg.MessagesChats:
		return r.Chats
	case *tg.MessagesChatsSlice:
		return r.Chats
	default:
		return nil
	}
}
