package notify

import (
	"fmt"
	"regexp"
	"strings"

	goslack "github.com/slack-go/slack"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// projectFingerprint is the text every notification about a project
// carries, so later notifications can find the root message and thread
// under it.
func projectFingerprint(number int64) string {
	return fmt.Sprintf("project #%d", number)
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func collectMessageText(msg goslack.Message) string {
	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	for _, blk := range msg.Blocks.BlockSet {
		if section, ok := blk.(*goslack.SectionBlock); ok && section.Text != nil {
			parts = append(parts, section.Text.Text)
		}
	}
	for _, att := range msg.Attachments {
		if att.Text != "" {
			parts = append(parts, att.Text)
		}
		if att.Fallback != "" {
			parts = append(parts, att.Fallback)
		}
	}
	return strings.Join(parts, " ")
}
