package ai

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
)

const systemPrompt = `You are AI Anime Finder, an assistant that helps people find where to watch anime series and specific episodes.
Use the conversation so far to resolve follow-up requests such as "the next episode".
Only suggest legitimate streaming or information pages, and never invent links you are not confident exist.
Reply with a single JSON object and nothing else. The object has the field responseText, a short friendly answer for the user, and the field foundLinks, a list of objects each with a text label and a url.
When nothing relevant is found, explain that in responseText and return an empty foundLinks list.`

const userPrompt = "Conversation so far:\n{history}\n\nNew request:\n{query}"

const maxLinks = 10

func buildChainInput(query, history string) map[string]any {
	h := strings.TrimSpace(history)
	if h == "" {
		h = "(no previous messages)"
	}
	return map[string]any{
		"history": h,
		"query":   strings.TrimSpace(query),
	}
}

type answerPayload struct {
	ResponseText string      `json:"responseText"`
	FoundLinks   []chat.Link `json:"foundLinks"`
}

// parseAnswer reads the first JSON object in content. Output that is not an
// answer object is returned as plain text without links.
func parseAnswer(content string) chat.Answer {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return chat.Answer{ResponseText: trimmed, FoundLinks: []chat.Link{}}
	}

	var payload answerPayload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil || strings.TrimSpace(payload.ResponseText) == "" {
		return chat.Answer{ResponseText: trimmed, FoundLinks: []chat.Link{}}
	}

	return chat.Answer{
		ResponseText: strings.TrimSpace(payload.ResponseText),
		FoundLinks:   sanitizeLinks(payload.FoundLinks),
	}
}

func sanitizeLinks(in []chat.Link) []chat.Link {
	out := make([]chat.Link, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, link := range in {
		raw := strings.TrimSpace(link.URL)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}

		text := strings.TrimSpace(link.Text)
		if text == "" {
			text = u.Host
		}
		out = append(out, chat.Link{Text: text, URL: raw})
		if len(out) == maxLinks {
			break
		}
	}
	return out
}
