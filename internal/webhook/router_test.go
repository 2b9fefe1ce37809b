package webhook

import (
	"context"
	"testing"

	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

func messageUpdate(text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 10, FromID: 20, Text: text,
	}}
}

func callbackUpdate(data string) kit.Update {
	return kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID: "cb-1", ChatID: 10, FromID: 20, MessageID: 5, Data: data,
	}}
}

func TestRouterDispatchesCommands(t *testing.T) {
	r := NewRouter(logx.Nop())

	var got kit.CommandContext
	r.Command("status", CommandFunc(func(_ context.Context, c kit.CommandContext) error {
		got = c
		return nil
	}))

	unknownHits := 0
	r.Unknown(CommandFunc(func(_ context.Context, c kit.CommandContext) error {
		unknownHits++
		return nil
	}), nil)

	r.Dispatch(context.Background(), messageUpdate("/status verbose now"))
	if got.Command != "status" {
		t.Fatalf("command = %q, want status", got.Command)
	}
	if len(got.Args) != 2 || got.Args[0] != "verbose" || got.Args[1] != "now" {
		t.Fatalf("args = %v", got.Args)
	}
	if got.ChatID != 10 || got.SenderID != 20 {
		t.Fatalf("context = %+v", got)
	}

	// Group-chat addressing strips the bot name.
	got = kit.CommandContext{}
	r.Dispatch(context.Background(), messageUpdate("/status@booker_bot"))
	if got.Command != "status" {
		t.Fatalf("command with @botname = %q, want status", got.Command)
	}

	r.Dispatch(context.Background(), messageUpdate("/nope"))
	if unknownHits != 1 {
		t.Fatalf("unknown handler hits = %d, want 1", unknownHits)
	}

	// Plain text is not routed anywhere.
	r.Dispatch(context.Background(), messageUpdate("just chatting"))
	if unknownHits != 1 {
		t.Fatal("free text reached the unknown handler")
	}
}

func TestRouterCallbackExactBeatsPrefix(t *testing.T) {
	r := NewRouter(logx.Nop())

	var hit string
	record := func(name string) CallbackFunc {
		return func(_ context.Context, c kit.CallbackContext) error {
			hit = name
			return nil
		}
	}

	r.CallbackPrefix("booking:", record("short-prefix"))
	r.CallbackPrefix("booking:confirm:", record("long-prefix"))
	r.Callback("booking:confirm:special", record("exact"))
	r.Unknown(nil, record("unknown"))

	tests := []struct {
		data string
		want string
	}{
		{"booking:confirm:special", "exact"},
		{"booking:confirm:42", "long-prefix"},
		{"booking:cancel:42", "short-prefix"},
		{"other:action", "unknown"},
	}
	for _, tc := range tests {
		hit = ""
		r.Dispatch(context.Background(), callbackUpdate(tc.data))
		if hit != tc.want {
			t.Errorf("Dispatch(%q) hit %q, want %q", tc.data, hit, tc.want)
		}
	}
}

func TestRouterContainsHandlerPanics(t *testing.T) {
	r := NewRouter(logx.Nop())
	r.Command("boom", CommandFunc(func(context.Context, kit.CommandContext) error {
		panic("handler bug")
	}))

	// Must not propagate.
	r.Dispatch(context.Background(), messageUpdate("/boom"))

	// The router keeps working afterwards.
	ok := false
	r.Command("ping", CommandFunc(func(context.Context, kit.CommandContext) error {
		ok = true
		return nil
	}))
	r.Dispatch(context.Background(), messageUpdate("/ping"))
	if !ok {
		t.Fatal("router stopped dispatching after a panic")
	}
}

func TestParseUpdate(t *testing.T) {
	up, err := parseUpdate([]byte(`{
		"update_id": 7,
		"message": {"message_id": 3, "from": {"id": 55, "username": "ann"}, "chat": {"id": 99}, "text": "/start"}
	}`))
	if err != nil {
		t.Fatalf("parseUpdate: %v", err)
	}
	if up.Kind != kit.UpdateMessage || up.Message.FromID != 55 || up.Message.ChatID != 99 {
		t.Fatalf("update = %+v", up)
	}

	up, err = parseUpdate([]byte(`{
		"update_id": 8,
		"callback_query": {"id": "abc", "from": {"id": 55}, "message": {"message_id": 3, "chat": {"id": 99}}, "data": "booking:confirm:1"}
	}`))
	if err != nil {
		t.Fatalf("parseUpdate callback: %v", err)
	}
	if up.Kind != kit.UpdateCallback || up.Callback.Data != "booking:confirm:1" || up.Callback.MessageID != 3 {
		t.Fatalf("update = %+v", up)
	}
	if senderOf(up) != 55 {
		t.Fatalf("senderOf = %d, want 55", senderOf(up))
	}

	if _, err := parseUpdate([]byte(`{"update_id": 9}`)); err != errEmptyUpdate {
		t.Fatalf("empty update error = %v, want errEmptyUpdate", err)
	}
	if _, err := parseUpdate([]byte(`not json`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}
