package store

import (
	"database/sql"
	"strconv"
	"strings"
)

const previewMaxLen = 200

var mediaLabels = map[string]string{
	"photo":      "[Photo]",
	"video":      "[Video]",
	"video_note": "[Video message]",
	"audio":      "[Audio]",
	"voice":      "[Voice message]",
	"sticker":    "[Sticker]",
	"document":   "[File]",
	"animation":  "[GIF]",
	"unknown":    "[Attachment]",
}

// refreshDialogPreview recomputes the dialog's last-message fields from the
// newest message of an upsert batch. Creates a placeholder dialog row when
// messages arrive before the dialog itself is known. The preview never
// regresses to an older message. Reports whether the dialog row changed.
func refreshDialogPreview(tx *sql.Tx, dialogID int64, newest *Message) (bool, error) {
	prev, err := getDialogTx(tx, dialogID)
	if err != nil {
		return false, err
	}
	d := Dialog{ID: dialogID, Kind: "user"}
	if prev != nil {
		d = *prev
	} else {
		d.Title = placeholderTitle(tx, newest, dialogID)
	}

	if newest.Date < d.LastMessageAt {
		// Backfill of older history: keep the current preview.
		if prev != nil {
			return false, nil
		}
		return true, putDialogTx(tx, &d)
	}

	d.LastMessageAt = newest.Date
	mid := newest.MsgID
	d.LastMessageID = &mid
	d.LastPreview = buildPreview(tx, newest)
	d.LastOut = newest.Out
	if newest.Out {
		d.LastFromName = nil
	} else {
		d.LastFromName = newest.SenderName
	}

	if prev != nil && sameDialog(prev, &d) {
		return false, nil
	}
	return true, putDialogTx(tx, &d)
}

func placeholderTitle(tx *sql.Tx, newest *Message, dialogID int64) string {
	if newest.SenderName != nil && *newest.SenderName != "" {
		return *newest.SenderName
	}
	if newest.FromID != nil {
		if u, err := getUserTx(tx, *newest.FromID); err == nil && u != nil {
			if name := u.DisplayName(); name != "" {
				return name
			}
		}
	}
	return strconv.FormatInt(dialogID, 10)
}

// buildPreview renders the short dialog-list line for a message: trimmed
// text, else a media label (with file name for documents), else a call
// label, else a generic placeholder. Replies are prefixed with the
// replied-to sender's name when it resolves locally.
func buildPreview(tx *sql.Tx, m *Message) string {
	preview := ""
	if m.Text != nil && strings.TrimSpace(*m.Text) != "" {
		preview = strings.TrimSpace(*m.Text)
	} else if m.MediaType != nil {
		label, ok := mediaLabels[*m.MediaType]
		if !ok {
			label = mediaLabels["unknown"]
		}
		preview = label
		if m.FileName != nil && *m.FileName != "" {
			preview += " " + *m.FileName
		}
	} else if m.ServiceType != nil && *m.ServiceType == "phone_call" {
		preview = "[Call]"
	} else if m.ServiceType != nil && *m.ServiceType == "video_chat" {
		preview = "[Video chat]"
	} else {
		preview = "[Message]"
	}

	if m.ReplyToMsgID != nil {
		who := "Message"
		if replied, err := getMessageTx(tx, m.DialogID, *m.ReplyToMsgID); err == nil && replied != nil {
			if replied.SenderName != nil && *replied.SenderName != "" {
				who = *replied.SenderName
			}
		}
		preview = "↩ " + who + ": " + preview
	}

	if len(preview) > previewMaxLen {
		preview = truncate(preview, previewMaxLen)
	}
	return preview
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
