package webhook

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
)

const commandPrefix = "/"

// CommandHandler processes one inbound command.
type CommandHandler interface {
	Execute(ctx context.Context, c kit.CommandContext) error
}

type CommandFunc func(ctx context.Context, c kit.CommandContext) error

func (f CommandFunc) Execute(ctx context.Context, c kit.CommandContext) error { return f(ctx, c) }

// CallbackHandler processes one inline-button press.
type CallbackHandler interface {
	Execute(ctx context.Context, c kit.CallbackContext) error
}

type CallbackFunc func(ctx context.Context, c kit.CallbackContext) error

func (f CallbackFunc) Execute(ctx context.Context, c kit.CallbackContext) error { return f(ctx, c) }

// Router dispatches parsed updates to registered handlers: commands by
// exact name, callbacks by exact match then longest prefix, everything
// else to the unknown handler. Registries are populated at startup.
type Router struct {
	log logx.Logger

	mu              sync.RWMutex
	commands        map[string]CommandHandler
	callbackExact   map[string]CallbackHandler
	callbackPrefix  []prefixRoute
	unknownCommand  CommandHandler
	unknownCallback CallbackHandler
}

type prefixRoute struct {
	prefix string
	h      CallbackHandler
}

func NewRouter(log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:           log,
		commands:      map[string]CommandHandler{},
		callbackExact: map[string]CallbackHandler{},
	}
}

func (r *Router) Command(name string, h CommandHandler) {
	name = strings.TrimPrefix(strings.TrimSpace(name), commandPrefix)
	r.mu.Lock()
	r.commands[name] = h
	r.mu.Unlock()
}

func (r *Router) Callback(key string, h CallbackHandler) {
	r.mu.Lock()
	r.callbackExact[key] = h
	r.mu.Unlock()
}

func (r *Router) CallbackPrefix(prefix string, h CallbackHandler) {
	r.mu.Lock()
	r.callbackPrefix = append(r.callbackPrefix, prefixRoute{prefix: prefix, h: h})
	// Longest prefix wins on overlap.
	sort.SliceStable(r.callbackPrefix, func(i, j int) bool {
		return len(r.callbackPrefix[i].prefix) > len(r.callbackPrefix[j].prefix)
	})
	r.mu.Unlock()
}

func (r *Router) Unknown(cmd CommandHandler, cb CallbackHandler) {
	r.mu.Lock()
	r.unknownCommand = cmd
	r.unknownCallback = cb
	r.mu.Unlock()
}

// Dispatch routes one update. Handler errors and panics are contained and
// logged; one bad update never affects the next.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		r.dispatchMessage(ctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		r.dispatchCallback(ctx, up.Callback)
	}
}

func (r *Router) dispatchMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, commandPrefix) {
		// Free text is not routed; only commands are.
		return
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], commandPrefix)
	// Group chats address commands as /cmd@botname.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}

	cc := kit.CommandContext{
		ChatID:   m.ChatID,
		SenderID: m.FromID,
		Username: m.FromUsername,
		Command:  name,
		Args:     fields[1:],
		Text:     m.Text,
		At:       time.Now(),
	}

	r.mu.RLock()
	h := r.commands[name]
	unknown := r.unknownCommand
	r.mu.RUnlock()

	if h == nil {
		h = unknown
	}
	if h == nil {
		return
	}
	if err := h.Execute(ctx, cc); err != nil {
		r.log.Warn("command handler failed",
			logx.String("command", name),
			logx.Int64("sender", m.FromID),
			logx.Err(err))
	}
}

func (r *Router) dispatchCallback(ctx context.Context, cb *kit.Callback) {
	cc := kit.CallbackContext{
		CallbackID: cb.ID,
		ChatID:     cb.ChatID,
		SenderID:   cb.FromID,
		MessageID:  cb.MessageID,
		Data:       cb.Data,
		At:         time.Now(),
	}

	r.mu.RLock()
	h := r.callbackExact[cb.Data]
	if h == nil {
		for _, pr := range r.callbackPrefix {
			if strings.HasPrefix(cb.Data, pr.prefix) {
				h = pr.h
				break
			}
		}
	}
	unknown := r.unknownCallback
	r.mu.RUnlock()

	if h == nil {
		h = unknown
	}
	if h == nil {
		return
	}
	if err := h.Execute(ctx, cc); err != nil {
		r.log.Warn("callback handler failed",
			logx.String("data", cb.Data),
			logx.Int64("sender", cb.FromID),
			logx.Err(err))
	}
}
