package command

import (
	"regexp"

	"github.com/tergene/wagate/internal/transport"
)

// linkPattern matches URLs and chat invite links in any casing. The set
// covers plain http(s) URLs, bare www hosts, and the invite domains of the
// major chat networks plus common shorteners.
var linkPattern = regexp.MustCompile(`(?i)(https?://\S+` +
	`|www\.\S+` +
	`|\bchat\.whatsapp\.com/\S+` +
	`|\bwa\.me/\S+` +
	`|\bt\.me/\S+` +
	`|\btelegram\.me/\S+` +
	`|\byoutu\.be/\S+` +
	`|\byoutube\.com/\S+` +
	`|\bdiscord(?:app)?\.com/invite/\S+` +
	`|\bdiscord\.gg/\S+` +
	`|\bbit\.ly/\S+)`)

// containsLink reports whether a message carries a link. The typed text
// (message body or media caption) is checked first; the raw protocol
// payload is scanned as a fallback to catch links buried in rich previews
// the sender never typed out.
func containsLink(msg transport.Message) bool {
	if linkPattern.MatchString(msg.Content.Body()) {
		return true
	}
	return len(msg.Raw) > 0 && linkPattern.Match(msg.Raw)
}
