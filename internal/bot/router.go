// Package bot routes inbound chat commands to the monitor service and owns
// the multi-turn registration flow.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"

	"trackbot/internal/clearml"
	"trackbot/internal/monitor"
	"trackbot/internal/storage"
	"trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

const helpText = `Available commands:
/help - print this message
/register - add your ClearML credentials
/subscribe - subscribe to your ClearML experiment updates
/unsubscribe - stop receiving experiment updates
/running - list your currently running experiments`

const welcomeText = `Welcome to the ClearML assistant bot!
Use /register to add your ClearML credentials.
For more info type /help`

type Handler struct {
	store   storage.Store
	monitor *monitor.Service
	sink    transport.Sink
	log     logx.Logger

	mu      sync.Mutex
	pending map[int64]*registration
}

func New(store storage.Store, mon *monitor.Service, sink transport.Sink, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		store:   store,
		monitor: mon,
		sink:    sink,
		log:     log,
		pending: make(map[int64]*registration),
	}
}

// Run consumes inbound updates until ctx is done. A bad update only costs
// itself: the loop recovers from handler panics and keeps serving.
func (h *Handler) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message == nil {
				continue
			}
			h.handleGuarded(ctx, up.Message)
		}
	}
}

func (h *Handler) handleGuarded(ctx context.Context, msg *transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic handling update",
				logx.Int64("chat", msg.ChatID),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	h.handle(ctx, msg)
}

func (h *Handler) handle(ctx context.Context, msg *transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, "/") {
		// A command always wins over a half-finished registration.
		h.clearPending(msg.ChatID)
		h.command(ctx, msg, text)
		return
	}

	if reg, ok := h.pendingFor(msg.ChatID); ok {
		h.continueRegistration(ctx, msg, reg)
		return
	}
	// Free-form text outside a registration flow is ignored.
	h.log.Debug("ignoring non-command text", logx.Int64("chat", msg.ChatID))
}

func (h *Handler) command(ctx context.Context, msg *transport.Message, text string) {
	cmd := strings.ToLower(strings.Fields(text)[0])
	// Strip the @botname suffix used in groups.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/start":
		h.reply(ctx, msg.ChatID, welcomeText)
	case "/help":
		h.reply(ctx, msg.ChatID, helpText)
	case "/register":
		h.startRegistration(ctx, msg)
	case "/subscribe":
		h.subscribe(ctx, msg)
	case "/unsubscribe":
		h.unsubscribe(ctx, msg)
	case "/running", "/running_experiments", "/update":
		h.running(ctx, msg)
	default:
		h.reply(ctx, msg.ChatID, "Unknown command. Type /help for the command list.")
	}
}

func (h *Handler) subscribe(ctx context.Context, msg *transport.Message) {
	err := h.monitor.Subscribe(ctx, msg.ChatID)
	switch {
	case err == nil:
		h.log.Info("user subscribed via command", logx.Int64("chat", msg.ChatID), logx.String("username", msg.FromUsername))
		h.reply(ctx, msg.ChatID, "Subscribed! You will receive experiment updates here.")
	case errors.Is(err, monitor.ErrAlreadySubscribed):
		h.reply(ctx, msg.ChatID, "You are already subscribed!")
	case errors.Is(err, monitor.ErrNotRegistered):
		h.reply(ctx, msg.ChatID, "Use /register to add your ClearML credentials.")
	case errors.Is(err, clearml.ErrUpstreamUnavailable):
		h.reply(ctx, msg.ChatID, "Could not reach your ClearML server with the stored credentials.\nUse /register to update them.")
	default:
		h.log.Warn("subscribe failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		h.reply(ctx, msg.ChatID, "Something went wrong, please try again later.")
	}
}

func (h *Handler) unsubscribe(ctx context.Context, msg *transport.Message) {
	err := h.monitor.Unsubscribe(msg.ChatID)
	switch {
	case err == nil:
		h.log.Info("user unsubscribed via command", logx.Int64("chat", msg.ChatID), logx.String("username", msg.FromUsername))
		h.reply(ctx, msg.ChatID, "Unsubscribed from experiment updates.")
	case errors.Is(err, monitor.ErrNotSubscribed):
		h.reply(ctx, msg.ChatID, "You weren't subscribed!")
	default:
		h.log.Warn("unsubscribe failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		h.reply(ctx, msg.ChatID, "Something went wrong, please try again later.")
	}
}

func (h *Handler) running(ctx context.Context, msg *transport.Message) {
	summary, err := h.monitor.RunningSummary(ctx, msg.ChatID)
	switch {
	case err == nil:
		h.reply(ctx, msg.ChatID, summary)
	case errors.Is(err, monitor.ErrNotRegistered):
		h.reply(ctx, msg.ChatID, "Use /register to add your ClearML credentials.")
	case errors.Is(err, clearml.ErrUpstreamUnavailable):
		h.reply(ctx, msg.ChatID, "Your ClearML server is unreachable right now, please try again later.")
	default:
		h.log.Warn("running summary failed", logx.Int64("chat", msg.ChatID), logx.Err(err))
		h.reply(ctx, msg.ChatID, "Something went wrong, please try again later.")
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if _, err := h.sink.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		h.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (h *Handler) replyStoreError(ctx context.Context, chatID int64, err error) {
	h.log.Error("store error in command flow", logx.Int64("chat", chatID), logx.Err(err))
	h.reply(ctx, chatID, "Something went wrong, please try again later.")
}
