package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/CalWeave/CalWeave/internal/models"
)

// ParseMessageEvent translates an inbound Whatsmeow message event into a
// normalized response. Returns nil for message shapes the pipeline does not
// handle (images, stickers, reactions).
func ParseMessageEvent(evt *events.Message) *models.Response {
	if evt == nil || evt.Message == nil {
		return nil
	}

	resp := &models.Response{
		From:      canonicalNumber(evt.Info.Sender.User),
		MessageID: evt.Info.ID,
		Time:      evt.Info.Timestamp.Unix(),
	}

	msg := evt.Message
	switch {
	case msg.GetButtonsResponseMessage() != nil:
		br := msg.GetButtonsResponseMessage()
		resp.Kind = models.ResponseKindButtonReply
		resp.SelectionID = br.GetSelectedButtonID()
		resp.Body = br.GetSelectedDisplayText()
	case msg.GetListResponseMessage() != nil:
		lr := msg.GetListResponseMessage()
		resp.Kind = models.ResponseKindListReply
		resp.SelectionID = lr.GetSingleSelectReply().GetSelectedRowID()
		resp.Body = lr.GetTitle()
	case msg.GetAudioMessage() != nil:
		am := msg.GetAudioMessage()
		resp.Kind = models.ResponseKindAudio
		resp.Media = &models.MediaRef{
			URL:           am.GetURL(),
			DirectPath:    am.GetDirectPath(),
			MediaKey:      am.GetMediaKey(),
			FileSHA256:    am.GetFileSHA256(),
			FileEncSHA256: am.GetFileEncSHA256(),
			FileLength:    am.GetFileLength(),
			Mimetype:      am.GetMimetype(),
			Seconds:       am.GetSeconds(),
		}
	case msg.GetConversation() != "":
		resp.Kind = models.ResponseKindText
		resp.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		resp.Kind = models.ResponseKindText
		resp.Body = msg.GetExtendedTextMessage().GetText()
	default:
		return nil
	}

	return resp
}

// canonicalNumber converts a WhatsApp JID user part to E.164 form.
func canonicalNumber(user string) string {
	if user == "" {
		return ""
	}
	if !strings.HasPrefix(user, "+") {
		return "+" + user
	}
	return user
}
