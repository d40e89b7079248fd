package telegram

import (
	"strings"

	"voxchat/internal/models"
)

// ToInbound converts an update into the bot's message model. It reports false
// for updates the bot ignores: edits, other bots, and messages carrying
// neither text nor audio.
func ToInbound(upd Update) (models.Inbound, bool) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return models.Inbound{}, false
	}
	in := models.Inbound{
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		FirstName: msg.From.DisplayName(),
	}
	switch {
	case msg.Voice != nil && msg.Voice.FileID != "":
		in.VoiceRef = msg.Voice.FileID
		in.VoiceMIME = msg.Voice.MimeType
	case msg.Audio != nil && msg.Audio.FileID != "":
		in.VoiceRef = msg.Audio.FileID
		in.VoiceMIME = msg.Audio.MimeType
	case strings.TrimSpace(msg.Text) != "":
		in.Text = msg.Text
	default:
		return models.Inbound{}, false
	}
	return in, true
}
