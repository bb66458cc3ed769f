// Package stream implements the per-connection turn execution protocol:
// relaying agent events to a client, detecting embedded tool-use requests,
// suspending for human approval, and finalizing or aborting the turn.
package stream

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ToolCall is one proposed tool invocation awaiting approval.
type ToolCall struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

var (
	invokeRe = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	paramRe  = regexp.MustCompile(`(?s)<parameter name="([^"]+)">(.*?)</parameter>`)
)

// assistantPayload is the inner message shape of an assistant event.
type assistantPayload struct {
	Content json.RawMessage `json:"content"`
}

type toolUseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ExtractToolCalls finds tool invocations inside an assistant message.
// Two encodings are supported: structured tool_use content blocks, and
// inline tagged markup embedded in text. A zero-parameter invocation is
// still a tool call.
func ExtractToolCalls(message json.RawMessage) []ToolCall {
	if len(message) == 0 {
		return nil
	}

	var payload assistantPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal(payload.Content, &asString); err == nil {
		return extractMarkup(asString)
	}

	var blocks []toolUseBlock
	if err := json.Unmarshal(payload.Content, &blocks); err != nil {
		return nil
	}

	var calls []ToolCall
	for _, blk := range blocks {
		switch blk.Type {
		case "tool_use":
			input := map[string]any{}
			if len(blk.Input) > 0 {
				json.Unmarshal(blk.Input, &input)
			}
			calls = append(calls, ToolCall{Name: blk.Name, Input: input})
		case "text":
			calls = append(calls, extractMarkup(blk.Text)...)
		}
	}
	return calls
}

// extractMarkup pulls tool invocations out of inline tagged markup.
func extractMarkup(text string) []ToolCall {
	if !strings.Contains(text, "<invoke ") {
		return nil
	}

	var calls []ToolCall
	for _, m := range invokeRe.FindAllStringSubmatch(text, -1) {
		call := ToolCall{Name: m[1], Input: map[string]any{}}
		for _, p := range paramRe.FindAllStringSubmatch(m[2], -1) {
			call.Input[p[1]] = strings.TrimSpace(p[2])
		}
		calls = append(calls, call)
	}
	return calls
}

// AssistantText flattens an assistant message to display text.
func AssistantText(message json.RawMessage) string {
	var payload assistantPayload
	if err := json.Unmarshal(message, &payload); err != nil {
		return ""
	}

	var asString string
	if err := json.Unmarshal(payload.Content, &asString); err == nil {
		return asString
	}

	var blocks []toolUseBlock
	if err := json.Unmarshal(payload.Content, &blocks); err != nil {
		return string(payload.Content)
	}

	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}
