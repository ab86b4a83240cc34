package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/tergene/wagate/internal/logging"
	"github.com/tergene/wagate/internal/session"
	"github.com/tergene/wagate/internal/transport"
)

// ErrUnauthorized marks a command denied by the authorization check.
var ErrUnauthorized = errors.New("command: unauthorized")

// authLevel is a command's required authorization class.
type authLevel int

const (
	authOpen authLevel = iota
	authAdmin
	authOwner
)

// commandAuth assigns each known command its authorization class.
// Commands absent from the table are unknown and never dispatched.
var commandAuth = map[string]authLevel{
	"menu":  authOpen,
	"owner": authOpen,
	"qr":    authOpen,
	"lien":  authOpen,

	"kick":      authAdmin,
	"add":       authAdmin,
	"promote":   authAdmin,
	"demote":    authAdmin,
	"nolien":    authAdmin,
	"nolien2":   authAdmin,
	"bienvenue": authAdmin,
	"ghost":     authAdmin,
	"hidetag":   authAdmin,
	"tagall":    authAdmin,

	"ban":     authOwner,
	"kickall": authOwner,
	"public":  authOwner,
	"prive":   authOwner,
}

// groupOnly lists the commands that only make sense inside a group
// conversation.
var groupOnly = map[string]bool{
	"lien":      true,
	"tagall":    true,
	"hidetag":   true,
	"ghost":     true,
	"kick":      true,
	"add":       true,
	"promote":   true,
	"demote":    true,
	"kickall":   true,
	"ban":       true,
	"nolien":    true,
	"nolien2":   true,
	"bienvenue": true,
}

// Options configure a Dispatcher.
type Options struct {
	// OwnerNumber is the fallback owner identity, matched against the
	// sender when a session has no recorded owner (or in addition to it).
	OwnerNumber string
	// OwnerName is shown in the menu and the owner card.
	OwnerName string
	// BotName prefixes most replies.
	BotName string
}

// Dispatcher routes inbound messages: it enforces the link filter, parses
// commands, checks authorization and runs the matching handler. It
// implements session.Handler.
type Dispatcher struct {
	opts Options
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.BotName == "" {
		opts.BotName = "D'H7-MD"
	}
	return &Dispatcher{opts: opts}
}

// HandleMessage processes one inbound message end to end. Handler
// failures are logged, never propagated; a broken command must not take
// the session's event loop down.
func (d *Dispatcher) HandleMessage(ctx context.Context, sess *session.Session, msg transport.Message) {
	conn := sess.Conn()
	if conn == nil {
		return
	}

	if d.enforceLinkFilter(ctx, sess, conn, msg) {
		return
	}

	req, ok := Parse(msg.Content.Body())
	if !ok {
		return
	}
	level, known := commandAuth[req.Command]
	if !known {
		return
	}

	isOwner := d.isOwner(sess, msg)

	// In private mode the session answers its owner only, regardless of
	// the command's class.
	if sess.ReplyMode() == session.ReplyPrivate && !isOwner {
		return
	}

	if groupOnly[req.Command] && !msg.Group {
		d.reply(ctx, conn, msg.Conversation, "Commande réservée aux groupes.", nil)
		return
	}

	if err := d.authorize(ctx, conn, msg, level, isOwner); err != nil {
		d.reply(ctx, conn, msg.Conversation, d.denialText(level), nil)
		return
	}

	if err := d.dispatch(ctx, sess, conn, msg, req); err != nil {
		logging.Warn().Err(err).
			Str("session", sess.ID).
			Str("command", req.Command).
			Msg("command failed")
	}
}

// enforceLinkFilter applies the conversation's link policy before any
// command parsing. Returns true when the message was consumed (deleted).
// Deletion is deliberately silent.
func (d *Dispatcher) enforceLinkFilter(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message) bool {
	if !msg.Group || msg.FromMe {
		return false
	}

	mode := sess.LinkMode(msg.Conversation)
	if mode == session.LinkFilterOff || !containsLink(msg) {
		return false
	}

	if mode == session.LinkFilterExceptAdmins {
		if d.isOwner(sess, msg) || d.isGroupAdmin(ctx, conn, msg.Conversation, msg.Sender) {
			return false
		}
	}

	if err := conn.DeleteMessage(ctx, msg.Ref); err != nil {
		logging.Warn().Err(err).
			Str("session", sess.ID).
			Str("conversation", msg.Conversation).
			Msg("link deletion failed")
	}
	return true
}

func (d *Dispatcher) authorize(ctx context.Context, conn transport.Conn, msg transport.Message, level authLevel, isOwner bool) error {
	switch level {
	case authOpen:
		return nil
	case authOwner:
		if isOwner {
			return nil
		}
	case authAdmin:
		if isOwner || d.isGroupAdmin(ctx, conn, msg.Conversation, msg.Sender) {
			return nil
		}
	}
	return ErrUnauthorized
}

func (d *Dispatcher) denialText(level authLevel) string {
	if level == authOwner {
		return "Commande réservée au propriétaire."
	}
	return "Seuls l'admin ou le propriétaire peuvent utiliser cette commande."
}

// isOwner matches the sender against the session's connected identity and
// the configured fallback owner. The session's own outbound messages
// always count.
func (d *Dispatcher) isOwner(sess *session.Session, msg transport.Message) bool {
	if msg.FromMe {
		return true
	}
	num := msg.SenderNumber()
	if num == "" {
		return false
	}
	if owner := sess.Owner(); owner != "" && num == owner {
		return true
	}
	return d.opts.OwnerNumber != "" && num == d.opts.OwnerNumber
}

func (d *Dispatcher) isGroupAdmin(ctx context.Context, conn transport.Conn, conversation, sender string) bool {
	meta, err := conn.GroupMetadata(ctx, conversation)
	if err != nil || meta == nil {
		return false
	}
	return meta.IsAdmin(sender)
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message, req Request) error {
	switch req.Command {
	case "menu":
		return d.cmdMenu(ctx, conn, msg)
	case "owner":
		return d.cmdOwner(ctx, conn, msg)
	case "qr":
		return d.cmdQR(ctx, conn, msg, req.Args)
	case "lien":
		return d.cmdLien(ctx, conn, msg)
	case "tagall":
		return d.cmdTagall(ctx, conn, msg)
	case "hidetag":
		return d.cmdHidetag(ctx, conn, msg, req.Args)
	case "ghost":
		return d.cmdGhost(ctx, sess, conn, msg)
	case "kick":
		return d.cmdParticipants(ctx, conn, msg, req.Args, transport.ParticipantRemove)
	case "add":
		return d.cmdParticipants(ctx, conn, msg, req.Args, transport.ParticipantAdd)
	case "promote":
		return d.cmdParticipants(ctx, conn, msg, req.Args, transport.ParticipantPromote)
	case "demote":
		return d.cmdParticipants(ctx, conn, msg, req.Args, transport.ParticipantDemote)
	case "kickall":
		return d.cmdKickall(ctx, sess, conn, msg)
	case "ban":
		return d.cmdBan(ctx, sess, conn, msg)
	case "nolien":
		return d.cmdNolien(ctx, sess, conn, msg, req.Args, session.LinkFilterExceptAdmins)
	case "nolien2":
		return d.cmdNolien(ctx, sess, conn, msg, req.Args, session.LinkFilterAll)
	case "public":
		return d.cmdReplyMode(ctx, sess, conn, msg, session.ReplyPublic)
	case "prive":
		return d.cmdReplyMode(ctx, sess, conn, msg, session.ReplyPrivate)
	case "bienvenue":
		return d.cmdBienvenue(ctx, sess, conn, msg, req.Args)
	}
	return nil
}

// reply sends a text reply, logging failures instead of returning them:
// a failed notice must not abort the surrounding handler.
func (d *Dispatcher) reply(ctx context.Context, conn transport.Conn, conversation, text string, mentions []string) {
	err := conn.Send(ctx, conversation, transport.Outbound{Text: text, Mentions: mentions})
	if err != nil {
		logging.Warn().Err(err).Str("conversation", conversation).Msg("reply failed")
	}
}

// tagged prefixes a reply with the bot name.
func (d *Dispatcher) tagged(text string) string {
	return fmt.Sprintf("%s\n%s", d.opts.BotName, text)
}
