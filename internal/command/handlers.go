package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/tergene/wagate/internal/logging"
	"github.com/tergene/wagate/internal/session"
	"github.com/tergene/wagate/internal/transport"
)

func (d *Dispatcher) cmdMenu(ctx context.Context, conn transport.Conn, msg transport.Message) error {
	name := msg.PushName
	if name == "" {
		name = msg.SenderNumber()
	}
	d.reply(ctx, conn, msg.Conversation, d.menuText(name), nil)
	return nil
}

func (d *Dispatcher) menuText(pushName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*○ Menu*\n\n  *%s*\n", pushName)
	b.WriteString("────────────────────────\n")
	fmt.Fprintf(&b, "User: %s\nOwner: *%s*\n", pushName, d.opts.OwnerName)
	b.WriteString("────────────────────────\n\n")
	b.WriteString("*Général*\n● Menu\n● Owner\n● Qr [texte]\n\n")
	b.WriteString("*Groupe*\n● Lien\n● Tagall\n● Hidetag\n● Kick\n● Add\n● Promote\n● Demote\n● Kickall\n● Ban\n● Bienvenue [off]\n\n")
	b.WriteString("*Modération*\n● Nolien [off]\n● Nolien2 [off]\n● Ghost\n● Public\n● Prive\n\n")
	fmt.Fprintf(&b, "> *%s*", d.opts.BotName)
	return b.String()
}

func (d *Dispatcher) cmdOwner(ctx context.Context, conn transport.Conn, msg transport.Message) error {
	text := fmt.Sprintf("*%s*\n+%s", d.opts.OwnerName, d.opts.OwnerNumber)
	d.reply(ctx, conn, msg.Conversation, text, nil)
	return nil
}

func (d *Dispatcher) cmdQR(ctx context.Context, conn transport.Conn, msg transport.Message, args []string) error {
	if len(args) == 0 {
		d.reply(ctx, conn, msg.Conversation, d.tagged("Usage: .qr [texte]"), nil)
		return nil
	}
	payload := strings.Join(args, " ")
	png, err := qrcode.Encode(payload, qrcode.Medium, 256)
	if err != nil {
		d.reply(ctx, conn, msg.Conversation, d.tagged("Impossible de générer le QR."), nil)
		return fmt.Errorf("encode qr: %w", err)
	}
	return conn.Send(ctx, msg.Conversation, transport.Outbound{
		Image: png,
		Text:  d.tagged(payload),
	})
}

func (d *Dispatcher) cmdLien(ctx context.Context, conn transport.Conn, msg transport.Message) error {
	meta, err := conn.GroupMetadata(ctx, msg.Conversation)
	if err != nil || meta == nil || meta.InviteCode == "" {
		d.reply(ctx, conn, msg.Conversation, "Impossible de récupérer le lien du groupe.", nil)
		return err
	}
	d.reply(ctx, conn, msg.Conversation, "https://chat.whatsapp.com/"+meta.InviteCode, nil)
	return nil
}

func (d *Dispatcher) cmdTagall(ctx context.Context, conn transport.Conn, msg transport.Message) error {
	meta, err := conn.GroupMetadata(ctx, msg.Conversation)
	if err != nil || meta == nil {
		d.reply(ctx, conn, msg.Conversation, d.tagged("Impossible de tagall."), nil)
		return err
	}
	ids := make([]string, 0, len(meta.Participants))
	tags := make([]string, 0, len(meta.Participants))
	for _, p := range meta.Participants {
		ids = append(ids, p.ID)
		tags = append(tags, "@"+transport.AddressNumber(p.ID))
	}
	d.reply(ctx, conn, msg.Conversation, d.tagged(strings.Join(tags, " ")), ids)
	return nil
}

// cmdHidetag mentions every participant without listing them in the text.
func (d *Dispatcher) cmdHidetag(ctx context.Context, conn transport.Conn, msg transport.Message, args []string) error {
	meta, err := conn.GroupMetadata(ctx, msg.Conversation)
	if err != nil || meta == nil {
		return err
	}
	ids := make([]string, 0, len(meta.Participants))
	for _, p := range meta.Participants {
		ids = append(ids, p.ID)
	}
	text := strings.Join(args, " ")
	if text == "" {
		text = "ㅤ"
	}
	d.reply(ctx, conn, msg.Conversation, text, ids)
	return nil
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// resolveTargets picks the subjects of a membership command: tagged
// mentions first, then the quoted message's author, then numeric
// arguments normalized to network addresses.
func resolveTargets(msg transport.Message, args []string) []string {
	if len(msg.Mentions) > 0 {
		return msg.Mentions
	}
	if msg.QuotedParticipant != "" {
		return []string{msg.QuotedParticipant}
	}
	var targets []string
	for _, a := range args {
		num := nonDigits.ReplaceAllString(a, "")
		if num != "" {
			targets = append(targets, num+"@s.whatsapp.net")
		}
	}
	return targets
}

func (d *Dispatcher) cmdParticipants(ctx context.Context, conn transport.Conn, msg transport.Message, args []string, action transport.ParticipantAction) error {
	targets := resolveTargets(msg, args)
	if len(targets) == 0 {
		d.reply(ctx, conn, msg.Conversation, d.tagged(fmt.Sprintf("Répondez ou tag l'utilisateur : %s @user", action)), nil)
		return nil
	}
	for _, t := range targets {
		if err := conn.UpdateParticipants(ctx, msg.Conversation, []string{t}, action); err != nil {
			logging.Warn().Err(err).
				Str("conversation", msg.Conversation).
				Str("target", t).
				Str("action", string(action)).
				Msg("participant update failed")
		}
	}
	return nil
}

// cmdKickall removes every non-admin participant, sparing the session's
// own identity.
func (d *Dispatcher) cmdKickall(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message) error {
	return d.removeParticipants(ctx, sess, conn, msg, func(p transport.GroupParticipant) bool {
		return !p.Admin
	})
}

// cmdBan empties the whole conversation, admins included.
func (d *Dispatcher) cmdBan(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message) error {
	return d.removeParticipants(ctx, sess, conn, msg, func(transport.GroupParticipant) bool {
		return true
	})
}

func (d *Dispatcher) removeParticipants(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message, match func(transport.GroupParticipant) bool) error {
	meta, err := conn.GroupMetadata(ctx, msg.Conversation)
	if err != nil || meta == nil {
		d.reply(ctx, conn, msg.Conversation, d.tagged("Impossible de récupérer les membres."), nil)
		return err
	}
	self := conn.Identity()
	owner := sess.Owner()
	for _, p := range meta.Participants {
		if p.ID == self || (owner != "" && transport.AddressNumber(p.ID) == owner) {
			continue
		}
		if !match(p) {
			continue
		}
		if err := conn.UpdateParticipants(ctx, msg.Conversation, []string{p.ID}, transport.ParticipantRemove); err != nil {
			logging.Warn().Err(err).
				Str("conversation", msg.Conversation).
				Str("target", p.ID).
				Msg("remove failed")
		}
	}
	return nil
}

func (d *Dispatcher) cmdNolien(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message, args []string, on session.LinkMode) error {
	mode := on
	if len(args) > 0 && strings.EqualFold(args[0], "off") {
		mode = session.LinkFilterOff
	}
	sess.SetLinkMode(msg.Conversation, mode)
	d.reply(ctx, conn, msg.Conversation, fmt.Sprintf("Mode nolien: %s", mode), nil)
	return nil
}

func (d *Dispatcher) cmdReplyMode(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message, mode session.ReplyMode) error {
	sess.SetReplyMode(mode)
	d.reply(ctx, conn, msg.Conversation, d.tagged(fmt.Sprintf("Mode %s activé.", mode)), nil)
	return nil
}

func (d *Dispatcher) cmdBienvenue(ctx context.Context, sess *session.Session, conn transport.Conn, msg transport.Message, args []string) error {
	enabled := !(len(args) > 0 && strings.EqualFold(args[0], "off"))
	sess.SetWelcome(msg.Conversation, enabled)
	state := "activé"
	if !enabled {
		state = "désactivé"
	}
	d.reply(ctx, conn, msg.Conversation, d.tagged(fmt.Sprintf("Message de bienvenue %s.", state)), nil)
	return nil
}

// HandleRoster greets new group members when the conversation's welcome
// flag is on.
func (d *Dispatcher) HandleRoster(ctx context.Context, sess *session.Session, up transport.RosterUpdate) {
	if up.Action != transport.RosterAdd {
		return
	}
	if !sess.WelcomeEnabled(up.Conversation) {
		return
	}
	conn := sess.Conn()
	if conn == nil {
		return
	}

	subject := up.Conversation
	if meta, err := conn.GroupMetadata(ctx, up.Conversation); err == nil && meta != nil && meta.Subject != "" {
		subject = meta.Subject
	}

	for _, id := range up.Participants {
		text := fmt.Sprintf("Bienvenue @%s dans %s", transport.AddressNumber(id), subject)
		d.reply(ctx, conn, up.Conversation, text, []string{id})
	}
}
