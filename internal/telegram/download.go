package telegram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"github.com/tgmirror/tgmirror/internal/remote"
)

// DownloadAttachment fetches the full media payload of a message. Returns
// nil when the message has no downloadable media.
func (c *Client) DownloadAttachment(ctx context.Context, dialogID, msgID int64) (*remote.Attachment, error) {
	peer, err := c.inputPeer(dialogID)
	if err != nil {
		return nil, err
	}

	// Re-fetch the single message: file references expire, so download
	// always starts from a fresh media descriptor.
	var result tg.MessagesMessagesClass
	err = c.invoke(ctx, func(api *tg.Client) error {
		var err error
		result, err = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: int(msgID) + 1,
			Limit:    1,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("locate message %d/%d: %w", dialogID, msgID, err)
	}

	msgs, _, _ := splitMessages(result)
	var target *tg.Message
	for _, mc := range msgs {
		if m, ok := mc.(*tg.Message); ok && int64(m.ID) == msgID {
			target = m
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("message %d/%d not found", dialogID, msgID)
	}
	media, ok := target.GetMedia()
	if !ok {
		return nil, nil
	}

	loc, mime, err := mediaLocation(media)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		return nil, nil
	}

	api, err := c.apiClient()
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, &buf); err != nil {
		return nil, fmt.Errorf("download %d/%d: %w", dialogID, msgID, err)
	}
	return &remote.Attachment{Data: buf.Bytes(), Mime: mime}, nil
}

// mediaLocation maps a media descriptor to its file location and mime.
func mediaLocation(media tg.MessageMediaClass) (tg.InputFileLocationClass, string, error) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		pc, ok := m.GetPhoto()
		if !ok {
			return nil, "", nil
		}
		photo, ok := pc.(*tg.Photo)
		if !ok {
			return nil, "", nil
		}
		thumb := bestPhotoType(photo)
		if thumb == "" {
			return nil, "", nil
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, "image/jpeg", nil
	case *tg.MessageMediaDocument:
		dc, ok := m.GetDocument()
		if !ok {
			return nil, "", nil
		}
		doc, ok := dc.(*tg.Document)
		if !ok {
			return nil, "", nil
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, doc.MimeType, nil
	default:
		return nil, "", nil
	}
}

func bestPhotoType(photo *tg.Photo) string {
	best := ""
	area := 0
	for _, sc := range photo.Sizes {
		switch s := sc.(type) {
		case *tg.PhotoSize:
			if s.W*s.H > area {
				area = s.W * s.H
				best = s.Type
			}
		case *tg.PhotoSizeProgressive:
			if s.W*s.H > area {
				area = s.W * s.H
				best = s.Type
			}
		}
	}
	return best
}
