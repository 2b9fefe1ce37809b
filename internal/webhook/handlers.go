package webhook

import (
	"context"
	"fmt"

	"bookbot/internal/botapi"
	"bookbot/internal/notify"
	"bookbot/internal/queue"
	kit "bookbot/internal/transport"
	logx "bookbot/pkg/logx"
	"bookbot/pkg/markup"
)

// BookingActions is the hook into the booking domain. The pipeline carries
// button presses to it but decides no business policy itself.
type BookingActions interface {
	Confirm(ctx context.Context, bookingID string) error
	Cancel(ctx context.Context, bookingID string) error
}

// Handlers bundles the built-in command/callback handlers.
type Handlers struct {
	log      logx.Logger
	client   *botapi.Client
	svc      *notify.Service
	q        *queue.Queue
	bookings BookingActions
}

func NewHandlers(client *botapi.Client, svc *notify.Service, q *queue.Queue, bookings BookingActions, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{log: log, client: client, svc: svc, q: q, bookings: bookings}
}

// Register installs the built-ins on r.
func (h *Handlers) Register(r *Router) {
	r.Command("start", CommandFunc(h.cmdStart))
	r.Command("help", CommandFunc(h.cmdHelp))
	r.Command("status", CommandFunc(h.cmdStatus))
	r.CallbackPrefix("booking:confirm:", CallbackFunc(h.cbBookingConfirm))
	r.CallbackPrefix("booking:cancel:", CallbackFunc(h.cbBookingCancel))
	r.Unknown(CommandFunc(h.cmdUnknown), CallbackFunc(h.cbUnknown))
}

func (h *Handlers) reply(ctx context.Context, chatID int64, html markup.H) error {
	_, err := h.client.Send(ctx, kit.ChatTarget{ChatID: chatID}, html.String(),
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func (h *Handlers) cmdStart(ctx context.Context, c kit.CommandContext) error {
	return h.reply(ctx, c.ChatID, markup.JoinH("\n",
		markup.B("bookbot"),
		markup.Esc("Booking notifications for this chat are active."),
		markup.Esc("Use /help for commands."),
	))
}

func (h *Handlers) cmdHelp(ctx context.Context, c kit.CommandContext) error {
	return h.reply(ctx, c.ChatID, markup.JoinH("\n",
		markup.B("Commands"),
		markup.Raw("/status - delivery pipeline health"),
		markup.Raw("/help - this message"),
	))
}

func (h *Handlers) cmdStatus(ctx context.Context, c kit.CommandContext) error {
	st := h.svc.Health()
	lines := []markup.H{
		markup.B("Delivery status: " + st.Status),
		markup.Esc(fmt.Sprintf("sent=%d failed=%d", st.Sent, st.Failed)),
		markup.Esc(fmt.Sprintf("queue: pending=%d retrying=%d dead=%d",
			st.Queue.Pending, st.Queue.Retrying, st.Queue.DeadLettered)),
		markup.Esc("breaker: " + st.Breaker.State),
	}
	if st.LastError != "" {
		lines = append(lines, markup.JoinH(" ", markup.Esc("last error:"), markup.Code(st.LastError)))
	}
	return h.reply(ctx, c.ChatID, markup.JoinH("\n", lines...))
}

func (h *Handlers) cmdUnknown(ctx context.Context, c kit.CommandContext) error {
	return h.reply(ctx, c.ChatID, markup.Esc("Unknown command. Try /help."))
}

func (h *Handlers) cbBookingConfirm(ctx context.Context, c kit.CallbackContext) error {
	_, _, id := markup.SplitCallbackData(c.Data)
	if h.bookings == nil {
		return h.client.AnswerCallback(ctx, c.CallbackID, "Booking actions are not available")
	}
	if err := h.bookings.Confirm(ctx, id); err != nil {
		_ = h.client.AnswerCallback(ctx, c.CallbackID, "Confirm failed")
		return err
	}
	if err := h.client.AnswerCallback(ctx, c.CallbackID, "Confirmed"); err != nil {
		return err
	}
	// Edit the original notification so operators see the final state.
	ref := kit.MessageRef{ChatID: c.ChatID, MessageID: c.MessageID}
	return h.client.EditText(ctx, ref,
		markup.JoinH("\n", markup.B("Booking #"+id), markup.Esc("✅ Confirmed")).String(),
		&kit.SendOptions{ParseMode: "HTML"})
}

func (h *Handlers) cbBookingCancel(ctx context.Context, c kit.CallbackContext) error {
	_, _, id := markup.SplitCallbackData(c.Data)
	if h.bookings == nil {
		return h.client.AnswerCallback(ctx, c.CallbackID, "Booking actions are not available")
	}
	if err := h.bookings.Cancel(ctx, id); err != nil {
		_ = h.client.AnswerCallback(ctx, c.CallbackID, "Cancel failed")
		return err
	}
	if err := h.client.AnswerCallback(ctx, c.CallbackID, "Cancelled"); err != nil {
		return err
	}
	ref := kit.MessageRef{ChatID: c.ChatID, MessageID: c.MessageID}
	return h.client.EditText(ctx, ref,
		markup.JoinH("\n", markup.B("Booking #"+id), markup.Esc("❌ Cancelled")).String(),
		&kit.SendOptions{ParseMode: "HTML"})
}

func (h *Handlers) cbUnknown(ctx context.Context, c kit.CallbackContext) error {
	return h.client.AnswerCallback(ctx, c.CallbackID, "This button is no longer active")
}
