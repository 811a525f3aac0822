// ABOUTME: Incremental decoder for upstream event-stream text.
// ABOUTME: Chunks may split lines arbitrarily, so partial lines are buffered.

package translate

import "strings"

// EventStreamDecoder extracts data payloads from event-stream text fed in pieces.
type EventStreamDecoder struct {
	partial string
}

// Feed consumes more stream text and returns the complete data payloads found.
// Comments, event names, and the [DONE] marker are skipped.
func (d *EventStreamDecoder) Feed(text string) []string {
	buf := d.partial + text
	lines := strings.Split(buf, "\n")
	d.partial = lines[len(lines)-1]

	var out []string
	for _, line := range lines[:len(lines)-1] {
		if payload, ok := dataPayload(line); ok {
			out = append(out, payload)
		}
	}
	return out
}

// Flush returns the buffered trailing line if it holds a payload.
func (d *EventStreamDecoder) Flush() []string {
	line := d.partial
	d.partial = ""
	if payload, ok := dataPayload(line); ok {
		return []string{payload}
	}
	return nil
}

func dataPayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return "", false
	}
	return payload, true
}
