package telegram

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Update is the part of an inbound Bot API update the bot reacts to.
type Update struct {
	UpdateID int64
	ChatID   int64
	Text     string
}

// ParseUpdate extracts chat id and text from message or edited_message.
// Updates without a chat or text are reported as not ok.
func ParseUpdate(body []byte) (Update, bool) {
	if !gjson.ValidBytes(body) {
		return Update{}, false
	}
	root := gjson.ParseBytes(body)
	msg := root.Get("message")
	if !msg.Exists() {
		msg = root.Get("edited_message")
	}
	chat := msg.Get("chat.id")
	text := strings.TrimSpace(msg.Get("text").String())
	if !chat.Exists() || text == "" {
		return Update{}, false
	}
	return Update{
		UpdateID: root.Get("update_id").Int(),
		ChatID:   chat.Int(),
		Text:     text,
	}, true
}
