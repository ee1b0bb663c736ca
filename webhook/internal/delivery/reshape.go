package delivery

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Destination is the kind of endpoint a subscription points at.
type Destination string

const (
	DestinationGeneric Destination = "generic"
	DestinationSlack   Destination = "slack"
	DestinationDiscord Destination = "discord"
	DestinationTeams   Destination = "teams"
)

// DetectDestination inspects the subscription URL.
func DetectDestination(rawURL string) Destination {
	u, err := url.Parse(rawURL)
	if err != nil {
		return DestinationGeneric
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "hooks.slack.com":
		return DestinationSlack
	case (host == "discord.com" || host == "discordapp.com" || strings.HasSuffix(host, ".discord.com")) &&
		strings.HasPrefix(u.Path, "/api/webhooks"):
		return DestinationDiscord
	case host == "webhook.office.com" || strings.HasSuffix(host, ".webhook.office.com") ||
		strings.HasSuffix(host, ".logic.azure.com"):
		return DestinationTeams
	}
	return DestinationGeneric
}

// threatView is the subset of a threat.created payload used for chat
// destinations.
type threatView struct {
	Threat struct {
		ID              string  `json:"id"`
		ThreatType      string  `json:"threat_type"`
		ConfidenceScore float64 `json:"confidence_score"`
		Description     string  `json:"description"`
		RecordID        string  `json:"record_id"`
		UploadID        string  `json:"upload_id"`
	} `json:"threat"`
	Alert struct {
		Severity string `json:"severity"`
		Title    string `json:"title"`
	} `json:"alert"`
}

// Body renders the request body for a destination. It is a pure function of
// its inputs apart from the timestamp chat cards carry.
func Body(dest Destination, event string, data json.RawMessage, now time.Time) ([]byte, error) {
	if dest == DestinationGeneric {
		return json.Marshal(map[string]any{"event": event, "data": data})
	}

	var v threatView
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", event, err)
		}
	}
	title := v.Alert.Title
	if title == "" {
		title = event
	}
	text := v.Threat.Description
	confidence := fmt.Sprintf("%.0f%%", v.Threat.ConfidenceScore*100)

	switch dest {
	case DestinationSlack:
		return json.Marshal(map[string]any{
			"text": fmt.Sprintf("LeakHawk alert: %s", title),
			"attachments": []map[string]any{{
				"color": severityColor(v.Alert.Severity),
				"text":  text,
				"fields": []map[string]any{
					{"title": "Rule", "value": v.Threat.ThreatType, "short": true},
					{"title": "Severity", "value": v.Alert.Severity, "short": true},
					{"title": "Confidence", "value": confidence, "short": true},
					{"title": "Record", "value": v.Threat.RecordID, "short": true},
				},
				"footer": "LeakHawk",
				"ts":     now.Unix(),
			}},
		})

	case DestinationDiscord:
		return json.Marshal(map[string]any{
			"content": fmt.Sprintf("LeakHawk alert: %s", title),
			"embeds": []map[string]any{{
				"title":       title,
				"description": text,
				"color":       severityColorInt(v.Alert.Severity),
				"fields": []map[string]any{
					{"name": "Rule", "value": orDash(v.Threat.ThreatType), "inline": true},
					{"name": "Severity", "value": orDash(v.Alert.Severity), "inline": true},
					{"name": "Confidence", "value": confidence, "inline": true},
				},
				"timestamp": now.UTC().Format(time.RFC3339),
			}},
		})

	case DestinationTeams:
		return json.Marshal(map[string]any{
			"@type":      "MessageCard",
			"@context":   "https://schema.org/extensions",
			"summary":    title,
			"themeColor": strings.TrimPrefix(severityColor(v.Alert.Severity), "#"),
			"title":      fmt.Sprintf("LeakHawk alert: %s", title),
			"text":       text,
			"sections": []map[string]any{{
				"facts": []map[string]string{
					{"name": "Rule", "value": v.Threat.ThreatType},
					{"name": "Severity", "value": v.Alert.Severity},
					{"name": "Confidence", "value": confidence},
					{"name": "Upload", "value": v.Threat.UploadID},
				},
			}},
		})
	}
	return nil, fmt.Errorf("unknown destination %q", dest)
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#8B0000"
	case "high":
		return "#FF0000"
	case "medium":
		return "#FFA500"
	case "low":
		return "#FFFF00"
	default:
		return "#808080"
	}
}

func severityColorInt(severity string) int {
	n, _ := strconv.ParseInt(strings.TrimPrefix(severityColor(severity), "#"), 16, 32)
	return int(n)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
