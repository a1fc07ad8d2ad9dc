package agentstream

import (
	"strings"

	"github.com/sherlocklabs/openclaw-bridge/pkg/events"
)

// consumeText scans one visible-text delta for thinking tags. Thinking
// text is emitted immediately as it arrives; it is never held back until
// stream end. A tag split across a line boundary is buffered in
// pendingTag and completed (or flushed as literal text) later.
func (p *LineParser) consumeText(delta string) []events.Event {
	if delta == "" && p.pendingTag == "" {
		return nil
	}
	p.raw.WriteString(delta)

	s := p.pendingTag + delta
	p.pendingTag = ""

	var out []events.Event
	var span strings.Builder
	flush := func() {
		if span.Len() == 0 {
			return
		}
		out = append(out, p.spanEvent(span.String()))
		span.Reset()
	}

	i := 0
	for i < len(s) {
		if s[i] != '<' {
			j := strings.IndexByte(s[i:], '<')
			if j < 0 {
				span.WriteString(s[i:])
				break
			}
			span.WriteString(s[i : i+j])
			i += j
			continue
		}

		// The only tag that can act here is the one matching the current
		// mode; an unbalanced closing tag outside thinking is literal text.
		tag := thinkingOpenTag
		if p.inThinking {
			tag = thinkingCloseTag
		}

		rest := s[i:]
		if strings.HasPrefix(rest, tag) {
			flush()
			p.inThinking = !p.inThinking
			i += len(tag)
			continue
		}
		if len(rest) < len(tag) && strings.HasPrefix(tag, rest) {
			// Might be the front half of a split tag; decide on the next
			// delta (or at Finalize).
			p.pendingTag = rest
			break
		}

		span.WriteByte('<')
		i++
	}

	flush()
	return out
}

// spanEvent turns a run of same-mode text into its chunk event and feeds
// the session accumulators.
func (p *LineParser) spanEvent(text string) events.Event {
	if p.inThinking {
		p.thinking.WriteString(text)
		ev := p.event(events.TypeThinkingChunk)
		ev.Thinking = &events.ThinkingPayload{Delta: text}
		return ev
	}
	p.clean.WriteString(text)
	ev := p.event(events.TypeTextChunk)
	ev.Text = &events.TextPayload{Delta: text}
	return ev
}
