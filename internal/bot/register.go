package bot

import (
	"context"
	"net/url"
	"strings"

	"trackbot/internal/storage"
	"trackbot/internal/transport"
)

// Registration is a multi-turn conversation: host, then access key, then
// secret key. Each chat owns exactly one state machine, so malformed input
// from one user can never disturb another user's pending registration.
type regState int

const (
	awaitingHost regState = iota
	awaitingKey
	awaitingSecret
)

type registration struct {
	state regState
	user  storage.User
}

const (
	promptHost   = "Please enter your ClearML API host (e.g. https://api.clear.ml):"
	promptKey    = "Please enter your access key:"
	promptSecret = "Please enter your secret key:"
)

func (h *Handler) startRegistration(ctx context.Context, msg *transport.Message) {
	_, found, err := h.store.GetUser(ctx, msg.ChatID)
	if err != nil {
		h.replyStoreError(ctx, msg.ChatID, err)
		return
	}
	if found {
		h.reply(ctx, msg.ChatID, "You have already registered! Your stored credentials will be replaced if you continue.")
	}

	h.mu.Lock()
	h.pending[msg.ChatID] = &registration{
		state: awaitingHost,
		user:  storage.User{ID: msg.ChatID, Username: msg.FromUsername},
	}
	h.mu.Unlock()

	h.reply(ctx, msg.ChatID, promptHost)
}

// continueRegistration feeds one message into the chat's pending state
// machine. Malformed input re-prompts the same state and writes nothing.
func (h *Handler) continueRegistration(ctx context.Context, msg *transport.Message, reg *registration) {
	text := strings.TrimSpace(msg.Text)

	switch reg.state {
	case awaitingHost:
		if !validHost(text) {
			h.reply(ctx, msg.ChatID, "That does not look like a valid host URL.\n"+promptHost)
			return
		}
		reg.user.Host = strings.TrimRight(text, "/")
		reg.state = awaitingKey
		h.reply(ctx, msg.ChatID, promptKey)

	case awaitingKey:
		if !validKey(text) {
			h.reply(ctx, msg.ChatID, "Keys cannot be empty or contain spaces.\n"+promptKey)
			return
		}
		reg.user.AccessKey = text
		reg.state = awaitingSecret
		h.reply(ctx, msg.ChatID, promptSecret)

	case awaitingSecret:
		if !validKey(text) {
			h.reply(ctx, msg.ChatID, "Keys cannot be empty or contain spaces.\n"+promptSecret)
			return
		}
		reg.user.SecretKey = text

		// The user row is written once, whole: an abandoned or malformed
		// attempt leaves no partial record behind.
		if err := h.store.PutUser(ctx, reg.user); err != nil {
			h.replyStoreError(ctx, msg.ChatID, err)
			return
		}
		h.clearPending(msg.ChatID)
		h.reply(ctx, msg.ChatID, "Registration successful! Your credentials have been saved.\nUse /subscribe to start receiving experiment updates.")
	}
}

func (h *Handler) pendingFor(chatID int64) (*registration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.pending[chatID]
	return reg, ok
}

func (h *Handler) clearPending(chatID int64) {
	h.mu.Lock()
	delete(h.pending, chatID)
	h.mu.Unlock()
}

func validHost(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t") {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validKey(s string) bool {
	return s != "" && !strings.ContainsAny(s, " \t")
}
