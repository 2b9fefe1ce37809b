package webhook

import (
	"encoding/json"
	"errors"

	kit "bookbot/internal/transport"
)

var errEmptyUpdate = errors.New("webhook: update carries neither message nor callback_query")

// inboundUpdate mirrors the platform's update JSON.
type inboundUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int `json:"message_id"`
		From      *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			MessageID int `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// parseUpdate decodes the raw payload into the platform-neutral Update.
func parseUpdate(body []byte) (kit.Update, error) {
	var in inboundUpdate
	if err := json.Unmarshal(body, &in); err != nil {
		return kit.Update{}, err
	}

	switch {
	case in.Message != nil:
		m := &kit.Message{
			ID:     in.Message.MessageID,
			ChatID: in.Message.Chat.ID,
			Text:   in.Message.Text,
		}
		if in.Message.From != nil {
			m.FromID = in.Message.From.ID
			m.FromUsername = in.Message.From.Username
		}
		return kit.Update{Kind: kit.UpdateMessage, Message: m}, nil

	case in.CallbackQuery != nil:
		cb := &kit.Callback{
			ID:     in.CallbackQuery.ID,
			FromID: in.CallbackQuery.From.ID,
			Data:   in.CallbackQuery.Data,
		}
		if in.CallbackQuery.Message != nil {
			cb.ChatID = in.CallbackQuery.Message.Chat.ID
			cb.MessageID = in.CallbackQuery.Message.MessageID
		}
		return kit.Update{Kind: kit.UpdateCallback, Callback: cb}, nil
	}
	return kit.Update{}, errEmptyUpdate
}

// senderOf extracts the acting user id from an update (0 if absent).
func senderOf(up kit.Update) int64 {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			return up.Message.FromID
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			return up.Callback.FromID
		}
	}
	return 0
}
