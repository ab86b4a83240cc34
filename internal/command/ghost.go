package command

import (
	"context"
	"time"

	"github.com/tergene/wagate/internal/logging"
	"github.com/tergene/wagate/internal/session"
	"github.com/tergene/wagate/internal/transport"
)

// ghostInterval is the period of the keep-alive loop.
const ghostInterval = time.Second

// cmdGhost toggles the conversation's ghost loop. A second invocation
// stops the running loop; loops never stack.
func (d *Dispatcher) cmdGhost(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message) error {
	if sess.StopGhost(msg.Conversation) {
		d.reply(ctx, conn, msg.Conversation, d.tagged("Mode invisible désactivé."), nil)
		return nil
	}

	gctx, cancel := context.WithCancel(context.Background())
	if !sess.StartGhost(msg.Conversation, cancel) {
		cancel()
		return nil
	}
	go d.runGhost(gctx, sess.ID, conn, msg.Conversation)

	d.reply(ctx, conn, msg.Conversation, d.tagged("Mode invisible activé."), nil)
	return nil
}

// runGhost sends a keep-alive payload every tick until cancelled. The
// cancel handle lives in the session's conversation flags, so teardown
// stops the loop with everything else.
func (d *Dispatcher) runGhost(ctx context.Context, sessionID string, conn transport.Conn, conversation string) {
	ticker := time.NewTicker(ghostInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := conn.Send(ctx, conversation, transport.Outbound{Text: "ㅤ"})
			if err != nil {
				logging.Debug().Err(err).
					Str("session", sessionID).
					Str("conversation", conversation).
					Msg("ghost send failed")
			}
		}
	}
}
