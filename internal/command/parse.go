// Package command implements the chat command dispatcher: alias
// resolution, authorization, moderation side-effects (link filter, ghost
// loop, welcome messages) and the per-command handlers.
package command

import (
	"strings"
)

// Request is one parsed chat command.
type Request struct {
	// Command is the canonical command name. Tokens that match no alias
	// table entry pass through lowercased, so unknown commands fall to
	// the dispatcher's default no-op.
	Command string
	Args    []string
}

// aliases maps each canonical command to every token that invokes it.
var aliases = map[string][]string{
	"menu":      {"menu", "d", "menou", "help", "aide"},
	"owner":     {"owner", "proprietaire", "proprio"},
	"qr":        {"qr", "qrcode"},
	"lien":      {"lien", "link", "invite"},
	"nolien":    {"nolien", "nolink", "no-link"},
	"nolien2":   {"nolien2", "nolien_2", "nolienall"},
	"tagall":    {"tagall", "tg", "tag"},
	"hidetag":   {"hidetag", "tm", "hidetags"},
	"ghost":     {"ghost", "dh7", "d'h7", "invisible"},
	"kick":      {"kick", "remove", "expulser"},
	"add":       {"add", "ajoute"},
	"promote":   {"promote", "promouvoir"},
	"demote":    {"demote", "delmote", "retrograder"},
	"kickall":   {"kickall", "kick_all", "cleanall"},
	"ban":       {"ban", "interdire", "block"},
	"public":    {"public", "piblik"},
	"prive":     {"prive", "private"},
	"bienvenue": {"bienvenue", "welcome"},
}

// aliasIndex is the inverted alias table, token to canonical name.
var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for canonical, toks := range aliases {
		for _, t := range toks {
			idx[t] = canonical
		}
	}
	return idx
}()

// Parse extracts a command request from message text. Leading prefix
// characters (".", "/", "!", repeated) are stripped; the first remaining
// token resolves through the alias table. Returns false for empty text.
func Parse(text string) (Request, bool) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimLeft(trimmed, "./!")

	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return Request{}, false
	}

	token := strings.ToLower(fields[0])
	canonical, ok := aliasIndex[token]
	if !ok {
		canonical = token
	}
	return Request{Command: canonical, Args: fields[1:]}, true
}
