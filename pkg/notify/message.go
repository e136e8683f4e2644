package notify

import (
	"fmt"

	goslack "github.com/slack-go/slack"

	"github.com/buildswarm/orchestrator/pkg/bus"
	"github.com/buildswarm/orchestrator/pkg/models"
)

const maxBlockTextLength = 2900

var projectEmoji = map[models.EventType]string{
	models.EventProjectAccepted: ":white_check_mark:",
	models.EventProjectFailed:   ":x:",
	models.EventProjectReleased: ":rocket:",
}

var projectLabel = map[models.EventType]string{
	models.EventProjectAccepted: "accepted",
	models.EventProjectFailed:   "failed",
	models.EventProjectReleased: "released",
}

func section(text string) goslack.Block {
	return goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
		nil, nil,
	)
}

// BuildProjectMessage creates Block Kit blocks for a terminal project
// notification. The header always contains the project fingerprint so
// later notifications can thread under the first one.
func BuildProjectMessage(t models.EventType, p bus.ProjectPayload) []goslack.Block {
	emoji := projectEmoji[t]
	if emoji == "" {
		emoji = ":question:"
	}
	label := projectLabel[t]
	if label == "" {
		label = string(t)
	}

	header := fmt.Sprintf("%s *Project #%d %s*", emoji, p.Number, label)
	if p.Title != "" {
		header += fmt.Sprintf("\n%s", truncateForSlack(p.Title))
	}
	blocks := []goslack.Block{section(header)}

	var details string
	if p.AgentID != "" {
		details += fmt.Sprintf("*Agent:* %s", p.AgentID)
	}
	if p.Iteration > 0 {
		if details != "" {
			details += "  |  "
		}
		details += fmt.Sprintf("*Review rounds:* %d", p.Iteration)
	}
	if p.Reason != "" {
		if details != "" {
			details += "\n"
		}
		details += fmt.Sprintf("*Reason:* %s", truncateForSlack(p.Reason))
	}
	if details != "" {
		blocks = append(blocks, section(details))
	}
	return blocks
}

// BuildAgentMessage creates Block Kit blocks for an unresponsive-agent
// notification.
func BuildAgentMessage(p bus.AgentPayload) []goslack.Block {
	text := fmt.Sprintf(":rotating_light: *Agent %s unresponsive*", p.AgentID)
	if p.PodID != "" {
		text += fmt.Sprintf("\n*Pod:* %s", p.PodID)
	}
	if p.Reason != "" {
		text += fmt.Sprintf("\n*Reason:* %s", truncateForSlack(p.Reason))
	}
	return []goslack.Block{section(text)}
}

// BuildCostMessage creates Block Kit blocks for a budget threshold
// notification. A hard stop also states that the workspace is paused.
func BuildCostMessage(t models.EventType, p bus.CostPayload) []goslack.Block {
	scope := p.Window
	if p.AgentID != "" {
		scope = fmt.Sprintf("%s (%s)", p.Window, p.AgentID)
	}

	var text string
	if t == models.EventCostHardStop {
		text = fmt.Sprintf(":octagonal_sign: *Budget hard stop* — %s spend $%.2f of $%.2f.\nNew work is paused until the window rolls over or the budget is raised.",
			scope, p.SpentUSD, p.BudgetUSD)
	} else {
		text = fmt.Sprintf(":warning: *Budget warning* — %s spend $%.2f of $%.2f (%d%%).",
			scope, p.SpentUSD, p.BudgetUSD, p.Percent)
	}
	return []goslack.Block{section(text)}
}

func truncateForSlack(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated)_"
}
