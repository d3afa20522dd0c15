package a2aserver

import (
	"strings"

	"mcpa2a/a2a"
	"mcpa2a/catalog"
)

// CardInfo is the configurable part of the agent card.
type CardInfo struct {
	Name        string
	Description string
	URL         string
	Version     string
}

// BuildCard assembles the agent card, advertising one skill per catalog
// tool.
func BuildCard(info CardInfo, entries []catalog.Entry) a2a.AgentCard {
	card := a2a.AgentCard{
		Name:        info.Name,
		Description: info.Description,
		URL:         info.URL,
		Version:     info.Version,
		Capabilities: a2a.AgentCapabilities{
			Streaming:         true,
			PushNotifications: false,
		},
		DefaultInputModes:  a2a.SupportedContentTypes,
		DefaultOutputModes: a2a.SupportedContentTypes,
		Skills:             make([]a2a.AgentSkill, 0, len(entries)),
	}
	for _, e := range entries {
		desc := strings.TrimSpace(e.Tool.Description)
		if desc == "" {
			desc = "Tool " + e.Tool.Name + " on server " + e.Server
		}
		card.Skills = append(card.Skills, a2a.AgentSkill{
			ID:          e.Qualified,
			Name:        e.Tool.Name,
			Description: desc,
			Tags:        []string{e.Server},
		})
	}
	return card
}
