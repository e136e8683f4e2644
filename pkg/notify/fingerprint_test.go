package notify

import (
	"testing"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
)

func TestProjectFingerprint(t *testing.T) {
	assert.Equal(t, "project #12", projectFingerprint(12))
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercase",
			input:    "Project ACCEPTED after review",
			expected: "project accepted after review",
		},
		{
			name:     "collapse whitespace",
			input:    "project   #12\t\twas\n\nreleased",
			expected: "project #12 was released",
		},
		{
			name:     "trim",
			input:    "  hello  ",
			expected: "hello",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeText(tt.input))
		})
	}
}

func TestCollectMessageText(t *testing.T) {
	tests := []struct {
		name     string
		msg      goslack.Message
		expected string
	}{
		{
			name: "text only",
			msg: goslack.Message{
				Msg: goslack.Msg{Text: "hello world"},
			},
			expected: "hello world",
		},
		{
			name: "section blocks are scanned",
			msg: goslack.Message{
				Msg: goslack.Msg{
					Blocks: goslack.Blocks{BlockSet: BuildProjectMessage("project.accepted", projectPayloadFixture())},
				},
			},
			expected: ":white_check_mark: *project #12 accepted* add retry budget *agent:* agent-1 | *review rounds:* 2",
		},
		{
			name: "attachment text and fallback",
			msg: goslack.Message{
				Msg: goslack.Msg{
					Text: "alert",
					Attachments: []goslack.Attachment{
						{Text: "att text", Fallback: "att fallback"},
					},
				},
			},
			expected: "alert att text att fallback",
		},
		{
			name:     "empty message",
			msg:      goslack.Message{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeText(collectMessageText(tt.msg)))
		})
	}
}
