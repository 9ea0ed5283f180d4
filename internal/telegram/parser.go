package telegram

import (
	"strconv"

	"github.com/gotd/td/tg"

	"github.com/tgmirror/tgmirror/internal/store"
)

// PeerID extracts the dialog id from a peer reference. Returns 0 when
// the peer carries no identity.
func PeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// ParseUser converts a user entity into a store patch.
func ParseUser(uc tg.UserClass) (store.UserPatch, bool) {
	u, ok := uc.(*tg.User)
	if !ok {
		return store.UserPatch{}, false
	}
	p := store.UserPatch{ID: u.ID}
	if v, ok := u.GetUsername(); ok {
		p.Username = &v
	}
	if v, ok := u.GetFirstName(); ok {
		p.FirstName = &v
	}
	if v, ok := u.GetLastName(); ok {
		p.LastName = &v
	}
	return p, true
}

// ParseUsers converts every concrete user in a response entity list.
func ParseUsers(users []tg.UserClass) []store.UserPatch {
	var patches []store.UserPatch
	for _, uc := range users {
		if p, ok := ParseUser(uc); ok {
			patches = append(patches, p)
		}
	}
	return patches
}

// ChatKind maps a chat entity to the store's dialog kind.
func ChatKind(cc tg.ChatClass) (id int64, kind, title string, ok bool) {
	switch ch := cc.(type) {
	case *tg.Chat:
		return ch.ID, "group", ch.Title, true
	case *tg.Channel:
		kind := "channel"
		if ch.Megagroup {
			kind = "group"
		}
		return ch.ID, kind, ch.Title, true
	default:
		return 0, "", "", false
	}
}

// ParseMessage converts a message entity into the owning dialog id and a
// store patch. Service messages become call descriptors; anything without
// a peer or id is rejected.
func ParseMessage(mc tg.MessageClass) (int64, store.MessagePatch, bool) {
	switch m := mc.(type) {
	case *tg.Message:
		dialogID := PeerID(m.PeerID)
		if dialogID == 0 || m.ID == 0 {
			return 0, store.MessagePatch{}, false
		}
		p := store.MessagePatch{
			MsgID: int64(m.ID),
			Date:  int64(m.Date),
			Out:   boolPtr(m.Out),
		}
		if from, ok := m.GetFromID(); ok {
			if id := PeerID(from); id != 0 {
				p.FromID = &id
			}
		}
		if m.Message != "" {
			p.Text = strPtr(m.Message)
		} else {
			// Media-only messages legitimately have empty text; store
			// empty so later partial updates cannot fake an edit.
			p.Text = strPtr("")
		}
		if reply, ok := m.GetReplyTo(); ok {
			if h, ok := reply.(*tg.MessageReplyHeader); ok {
				if id, ok := h.GetReplyToMsgID(); ok {
					rid := int64(id)
					p.ReplyToMsgID = &rid
				}
			}
		}
		if ents, ok := m.GetEntities(); ok {
			p.Entities = parseEntities(ents)
		}
		if fwd, ok := m.GetFwdFrom(); ok {
			if name, ok := fwd.GetFromName(); ok {
				p.ForwardedFrom = &name
			} else if from, ok := fwd.GetFromID(); ok {
				if id := PeerID(from); id != 0 {
					p.ForwardedFrom = strPtr(formatPeerID(id))
				}
			}
		}
		if gid, ok := m.GetGroupedID(); ok {
			p.GroupedID = &gid
		}
		if media, ok := m.GetMedia(); ok {
			applyMediaMeta(&p, media)
		}
		if editDate, ok := m.GetEditDate(); ok {
			at := int64(editDate)
			p.Edited = boolPtr(true)
			p.EditedAt = &at
		}
		return dialogID, p, true

	case *tg.MessageService:
		dialogID := PeerID(m.PeerID)
		if dialogID == 0 || m.ID == 0 {
			return 0, store.MessagePatch{}, false
		}
		p := store.MessagePatch{
			MsgID: int64(m.ID),
			Date:  int64(m.Date),
			Out:   boolPtr(m.Out),
		}
		if from, ok := m.GetFromID(); ok {
			if id := PeerID(from); id != 0 {
				p.FromID = &id
			}
		}
		switch action := m.Action.(type) {
		case *tg.MessageActionPhoneCall:
			p.ServiceType = strPtr("phone_call")
			p.CallVideo = boolPtr(action.Video)
			p.CallOutgoing = boolPtr(m.Out)
			p.CallReason = strPtr(callReason(action))
			if d, ok := action.GetDuration(); ok {
				p.CallDuration = &d
			}
		case *tg.MessageActionGroupCall:
			p.ServiceType = strPtr("video_chat")
			if d, ok := action.GetDuration(); ok {
				p.CallDuration = &d
			}
		default:
			// Other service actions carry no displayable payload here.
		}
		return dialogID, p, true

	default:
		return 0, store.MessagePatch{}, false
	}
}

// ParseMessages converts a raw message list, dropping entries that do not
// parse. All messages are expected to belong to dialogID; mismatches are
// skipped rather than misfiled.
func ParseMessages(dialogID int64, msgs []tg.MessageClass) []store.MessagePatch {
	var patches []store.MessagePatch
	for _, mc := range msgs {
		did, p, ok := ParseMessage(mc)
		if !ok || did != dialogID {
			continue
		}
		patches = append(patches, p)
	}
	return patches
}

func callReason(action *tg.MessageActionPhoneCall) string {
	reason, ok := action.GetReason()
	if !ok {
		return "ended"
	}
	switch reason.(type) {
	case *tg.PhoneCallDiscardReasonMissed:
		return "missed"
	case *tg.PhoneCallDiscardReasonBusy:
		return "busy"
	case *tg.PhoneCallDiscardReasonHangup:
		return "ended"
	case *tg.PhoneCallDiscardReasonDisconnect:
		return "ended"
	default:
		return "declined"
	}
}

func parseEntities(ents []tg.MessageEntityClass) []store.Span {
	var spans []store.Span
	for _, ec := range ents {
		span := store.Span{Offset: ec.GetOffset(), Length: ec.GetLength()}
		switch e := ec.(type) {
		case *tg.MessageEntityBold:
			span.Kind = "bold"
		case *tg.MessageEntityItalic:
			span.Kind = "italic"
		case *tg.MessageEntityUnderline:
			span.Kind = "underline"
		case *tg.MessageEntityStrike:
			span.Kind = "strike"
		case *tg.MessageEntityCode:
			span.Kind = "code"
		case *tg.MessageEntityPre:
			span.Kind = "pre"
		case *tg.MessageEntityURL:
			span.Kind = "url"
		case *tg.MessageEntityTextURL:
			span.Kind = "text_url"
			span.URL = e.URL
		case *tg.MessageEntityMention:
			span.Kind = "mention"
		case *tg.MessageEntityHashtag:
			span.Kind = "hashtag"
		case *tg.MessageEntitySpoiler:
			span.Kind = "spoiler"
		case *tg.MessageEntityBlockquote:
			span.Kind = "blockquote"
		default:
			continue
		}
		spans = append(spans, span)
	}
	return spans
}

// applyMediaMeta fills the media descriptor from a message's media
// attachment: type, mime, size, dimensions, duration, file name.
func applyMediaMeta(p *store.MessagePatch, media tg.MessageMediaClass) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		p.MediaType = strPtr("photo")
		if pc, ok := m.GetPhoto(); ok {
			if photo, ok := pc.(*tg.Photo); ok {
				if w, h, ok := largestPhotoSize(photo); ok {
					p.MediaWidth = &w
					p.MediaHeight = &h
				}
			}
		}
	case *tg.MessageMediaDocument:
		dc, ok := m.GetDocument()
		if !ok {
			p.MediaType = strPtr("unknown")
			return
		}
		doc, ok := dc.(*tg.Document)
		if !ok {
			p.MediaType = strPtr("unknown")
			return
		}
		p.MediaMime = strPtr(doc.MimeType)
		size := doc.Size
		p.MediaSize = &size

		kind := "document"
		var animated bool
		for _, ac := range doc.Attributes {
			switch attr := ac.(type) {
			case *tg.DocumentAttributeVideo:
				if attr.RoundMessage {
					kind = "video_note"
				} else if kind == "document" {
					kind = "video"
				}
				d := int(attr.Duration)
				p.MediaDuration = &d
				w, h := attr.W, attr.H
				p.MediaWidth = &w
				p.MediaHeight = &h
			case *tg.DocumentAttributeAudio:
				if attr.Voice {
					kind = "voice"
				} else {
					kind = "audio"
				}
				d := attr.Duration
				p.MediaDuration = &d
			case *tg.DocumentAttributeSticker:
				kind = "sticker"
			case *tg.DocumentAttributeAnimated:
				animated = true
			case *tg.DocumentAttributeFilename:
				p.FileName = strPtr(attr.FileName)
			}
		}
		if animated && kind != "sticker" {
			kind = "animation"
		}
		p.MediaType = &kind
	default:
		p.MediaType = strPtr("unknown")
	}
}

func largestPhotoSize(photo *tg.Photo) (w, h int, ok bool) {
	for _, sc := range photo.Sizes {
		switch s := sc.(type) {
		case *tg.PhotoSize:
			if s.W*s.H > w*h {
				w, h, ok = s.W, s.H, true
			}
		case *tg.PhotoSizeProgressive:
			if s.W*s.H > w*h {
				w, h, ok = s.W, s.H, true
			}
		}
	}
	return w, h, ok
}

func formatPeerID(id int64) string {
	// Forwards from unresolvable peers keep the bare id.
	return "id:" + strconv.FormatInt(id, 10)
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
