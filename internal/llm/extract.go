package llm

import "strings"

// ExtractPayload implements spec §4.3.1: strip enclosing code-fence markers
// if present (opening ``` optionally followed by a language tag, and a
// closing ```), preserving the inner text verbatim. If no fence is found,
// the full response body is used. Purely lexical: it never interprets or
// reformats the payload.
func ExtractPayload(raw string) string {
	trimmed := strings.TrimSpace(raw)

	if !strings.HasPrefix(trimmed, "```") {
		return raw
	}

	rest := trimmed[3:]
	nl := strings.IndexByte(rest, '\n')
	if nl == -1 {
		return raw
	}
	langTag := rest[:nl]
	if strings.ContainsAny(langTag, " \t") {
		return raw
	}
	body := rest[nl+1:]

	closeIdx := strings.LastIndex(body, "```")
	if closeIdx == -1 {
		return raw
	}

	return body[:closeIdx]
}

// ConcatSegments joins a ChatResponse's text segments into the raw payload
// handed to ExtractPayload.
func ConcatSegments(segments []string) string {
	return strings.Join(segments, "")
}
