// Package bridge implements the chat-bot control plane: a Telegram bot
// through which operators create, stop and list gateway sessions and
// receive their lifecycle notices (pairing QR included).
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/tergene/wagate/internal/credstore"
	"github.com/tergene/wagate/internal/event"
	"github.com/tergene/wagate/internal/logging"
	"github.com/tergene/wagate/internal/session"
)

// bridgePrefix namespaces session bridge ids owned by this bridge.
const bridgePrefix = "tg:"

// Telegram is the Telegram control bridge. Each chat owns the sessions it
// created; lifecycle events are routed back to the owning chat only.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	manager *session.Manager
	store   *credstore.Store
	botName string

	unsubs []func()

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewTelegram authenticates against the Telegram API and builds the
// bridge. It does not start polling; call Run.
func NewTelegram(token string, manager *session.Manager, store *credstore.Store, botName string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	return &Telegram{
		bot:     bot,
		manager: manager,
		store:   store,
		botName: botName,
	}, nil
}

// bridgeID derives the session bridge id of a chat.
func bridgeID(chatID int64) string {
	return bridgePrefix + strconv.FormatInt(chatID, 10)
}

// chatOf parses a bridge id back into a chat id. Returns false for ids
// not owned by this bridge.
func chatOf(bridge string) (int64, bool) {
	if !strings.HasPrefix(bridge, bridgePrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(bridge[len(bridgePrefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Run subscribes to lifecycle events and polls Telegram updates until the
// context is cancelled.
func (t *Telegram) Run(ctx context.Context) {
	t.unsubs = append(t.unsubs,
		event.Subscribe(event.SessionPairing, t.onPairing),
		event.Subscribe(event.SessionConnected, t.onConnected),
		event.Subscribe(event.SessionDisconnected, t.onDisconnected),
		event.Subscribe(event.SessionError, t.onError),
	)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := t.bot.GetUpdatesChan(cfg)

	logging.Info().Str("bot", t.bot.Self.UserName).Msg("telegram bridge started")

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case up, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, up)
			}
		}
	}()
}

// Close stops polling and detaches from the event bus.
func (t *Telegram) Close() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.bot.StopReceivingUpdates()
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.wg.Wait()
}

func (t *Telegram) handleUpdate(ctx context.Context, up tgbotapi.Update) {
	msg := up.Message
	if msg == nil || !msg.IsCommand() {
		return
	}

	switch msg.Command() {
	case "connect":
		t.cmdConnect(ctx, msg)
	case "stop":
		t.cmdStop(ctx, msg)
	case "list":
		t.cmdList(msg)
	}
}

func (t *Telegram) cmdConnect(ctx context.Context, msg *tgbotapi.Message) {
	name := strings.Trim(strings.TrimSpace(msg.CommandArguments()), `"'`)
	if name == "" {
		name = t.botName
	}

	t.send(msg.Chat.ID, fmt.Sprintf("Création de la session pour %s...", name))

	sess, err := t.manager.Create(ctx, session.CreateOptions{
		Bridge: bridgeID(msg.Chat.ID),
		Name:   name,
	})
	if err != nil {
		logging.Error().Err(err).Int64("chat", msg.Chat.ID).Msg("connect failed")
		t.send(msg.Chat.ID, "Impossible de créer la session: "+err.Error())
		return
	}
	t.send(msg.Chat.ID, fmt.Sprintf("Session %s créée (dossier %s). Le code d'appairage arrive...", sess.ID, sess.Folder))
}

// cmdStop stops a session and removes its credential folder. Stopping an
// unknown or foreign session gets an idempotent notice, never an error.
func (t *Telegram) cmdStop(ctx context.Context, msg *tgbotapi.Message) {
	id := strings.TrimSpace(msg.CommandArguments())
	if id == "" {
		t.send(msg.Chat.ID, "Usage: /stop <sessionId>")
		return
	}

	sess, ok := t.manager.Get(id)
	if !ok || sess.Bridge != bridgeID(msg.Chat.ID) {
		t.send(msg.Chat.ID, "Aucune session en cours avec cet identifiant.")
		return
	}

	folder := sess.Folder
	if err := t.manager.Stop(ctx, id); err != nil {
		logging.Error().Err(err).Str("session", id).Msg("stop failed")
		t.send(msg.Chat.ID, "Erreur lors de l'arrêt: "+err.Error())
		return
	}
	if err := t.store.Remove(folder); err != nil {
		logging.Warn().Err(err).Str("folder", folder).Msg("credential cleanup failed")
	}
	t.send(msg.Chat.ID, fmt.Sprintf("Session %s arrêtée.", id))
}

func (t *Telegram) cmdList(msg *tgbotapi.Message) {
	infos := t.manager.ListByBridge(bridgeID(msg.Chat.ID))
	if len(infos) == 0 {
		t.send(msg.Chat.ID, "Aucune session en cours.")
		return
	}
	var b strings.Builder
	b.WriteString("Sessions en cours:\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "• %s — %s (%s)\n", info.SessionID, info.State, info.Folder)
	}
	t.send(msg.Chat.ID, b.String())
}

func (t *Telegram) onPairing(e event.Event) {
	data, ok := e.Data.(event.SessionPairingData)
	if !ok {
		return
	}
	chat, ok := chatOf(data.Bridge)
	if !ok {
		return
	}

	png, err := qrcode.Encode(data.Code, qrcode.Medium, 512)
	if err != nil {
		logging.Warn().Err(err).Str("session", data.SessionID).Msg("pairing qr render failed")
		t.send(chat, fmt.Sprintf("Code d'appairage pour %s: %s", data.SessionID, data.Code))
		return
	}

	photo := tgbotapi.NewPhoto(chat, tgbotapi.FileBytes{Name: "pairing.png", Bytes: png})
	photo.Caption = fmt.Sprintf("Scannez le QR pour la session %s", data.SessionID)
	if _, err := t.bot.Send(photo); err != nil {
		logging.Warn().Err(err).Int64("chat", chat).Msg("qr photo send failed")
	}
}

func (t *Telegram) onConnected(e event.Event) {
	data, ok := e.Data.(event.SessionConnectedData)
	if !ok {
		return
	}
	if chat, ok := chatOf(data.Bridge); ok {
		t.send(chat, fmt.Sprintf("Session %s connectée (+%s).", data.SessionID, data.Owner))
	}
}

func (t *Telegram) onDisconnected(e event.Event) {
	data, ok := e.Data.(event.SessionDisconnectedData)
	if !ok {
		return
	}
	if chat, ok := chatOf(data.Bridge); ok {
		t.send(chat, fmt.Sprintf("Session %s déconnectée: %s", data.SessionID, data.Reason))
	}
}

func (t *Telegram) onError(e event.Event) {
	data, ok := e.Data.(event.SessionErrorData)
	if !ok {
		return
	}
	if chat, ok := chatOf(data.Bridge); ok {
		t.send(chat, fmt.Sprintf("Session %s en erreur: %s", data.SessionID, data.Message))
	}
}

func (t *Telegram) send(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		logging.Warn().Err(err).Int64("chat", chatID).Msg("telegram send failed")
	}
}
