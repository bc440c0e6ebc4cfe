package geminilive

import (
	"bytes"
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-macro/pkg/core/toolcall"
	"github.com/vango-go/vai-macro/pkg/live"
)

// Decode converts one genai server message into the supervisor's message
// union. Order within the result: setup, resumption, go-away, model text,
// transcript, turn complete, tool calls.
func Decode(msg *genai.LiveServerMessage) []live.ServerMessage {
	if msg == nil {
		return nil
	}
	var out []live.ServerMessage

	if msg.SetupComplete != nil {
		out = append(out, live.SetupComplete{})
	}
	if u := msg.SessionResumptionUpdate; u != nil && u.NewHandle != "" {
		out = append(out, live.ResumptionUpdate{Handle: u.NewHandle, Resumable: u.Resumable})
	}
	if msg.GoAway != nil {
		out = append(out, live.GoAway{TimeLeft: msg.GoAway.TimeLeft})
	}
	if sc := msg.ServerContent; sc != nil {
		if text := modelText(sc.ModelTurn); text != "" {
			out = append(out, live.ModelText{Text: text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			out = append(out, live.Transcript{Text: sc.OutputTranscription.Text})
		}
		if sc.TurnComplete {
			out = append(out, live.TurnComplete{})
		}
	}
	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		fragments := make([]toolcall.Fragment, 0, len(tc.FunctionCalls))
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			fragments = append(fragments, fragmentFromCall(fc))
		}
		if len(fragments) > 0 {
			out = append(out, live.ToolCall{Fragments: fragments})
		}
	}
	return out
}

func modelText(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range content.Parts {
		if p == nil || p.Thought || p.Text == "" {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

func fragmentFromCall(fc *genai.FunctionCall) toolcall.Fragment {
	return toolcall.Fragment{
		ID:           fc.ID,
		Name:         fc.Name,
		Args:         fc.Args,
		HasArgs:      fc.Args != nil,
		PartialText:  renderPartialArgs(fc.PartialArgs),
		WillContinue: fc.WillContinue != nil && *fc.WillContinue,
	}
}

// renderPartialArgs turns structured partial arguments into a stream of JSON
// objects, one per argument, keyed by the top-level field of its JSON path.
// Consecutive string pieces for the same path are joined first.
func renderPartialArgs(args []*genai.PartialArg) string {
	var buf bytes.Buffer
	var pendingKey string
	var pendingStr strings.Builder
	havePending := false

	flush := func() {
		if !havePending {
			return
		}
		writeObject(&buf, pendingKey, pendingStr.String())
		pendingStr.Reset()
		havePending = false
	}

	for _, a := range args {
		if a == nil {
			continue
		}
		key := topLevelField(a.JsonPath)
		if key == "" {
			continue
		}
		switch {
		case a.NumberValue != nil:
			flush()
			writeObject(&buf, key, *a.NumberValue)
		case a.BoolValue != nil:
			flush()
			writeObject(&buf, key, *a.BoolValue)
		case a.NULLValue != "":
			flush()
			writeObject(&buf, key, nil)
		default:
			if havePending && pendingKey != key {
				flush()
			}
			pendingKey = key
			pendingStr.WriteString(a.StringValue)
			havePending = true
		}
	}
	flush()
	return buf.String()
}

func writeObject(buf *bytes.Buffer, key string, value any) {
	b, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return
	}
	buf.Write(b)
}

// topLevelField extracts the first field name from a JSONPath such as
// "$.filter_macro", "$['filter_macro']", or "filter_macro.x".
func topLevelField(path string) string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")
	if strings.HasPrefix(p, "[") {
		end := strings.Index(p, "]")
		if end < 0 {
			return ""
		}
		return strings.Trim(p[1:end], `'"`)
	}
	if i := strings.IndexAny(p, ".["); i >= 0 {
		p = p[:i]
	}
	return p
}
