// Package anchor translates text selections inside rendered messages into
// stable character-span anchors and maps stored anchors back onto message
// content for highlighting. All offsets are rune offsets into the display
// representation of the message (see DisplayText), which is the same
// representation sliced at render time.
package anchor

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// MinSelectionLength is the minimum number of characters a selection must
// span to produce an anchor.
const MinSelectionLength = 3

// ErrSelectionTooShort is returned by Capture for selections below
// MinSelectionLength.
var ErrSelectionTooShort = errors.New("selection too short")

// Anchor is a half-open character span [Start, End) into a message's
// display text, tagged with the subthread it routes to.
type Anchor struct {
	ThreadID string
	Start    int
	End      int
}

// Selection is a captured user selection inside one message.
type Selection struct {
	MessageID string
	Text      string
	Start     int
	End       int
}

// TextOffset computes the absolute character offset of a selection
// boundary. nodes is the text content of the message's text nodes in
// document order; the boundary sits at rune offset within nodes[nodeIndex].
// Offsets past the node list accumulate onto the total, mirroring how a
// boundary after the last node resolves.
func TextOffset(nodes []string, nodeIndex, offset int) int {
	total := 0
	for i, node := range nodes {
		if i == nodeIndex {
			return total + offset
		}
		total += len([]rune(node))
	}
	return total + offset
}

// Capture validates a selection against the message's display text and
// produces a Selection. The boundaries must satisfy 0 <= start < end and
// span at least MinSelectionLength characters of the content.
func Capture(messageID, displayText string, start, end int) (*Selection, error) {
	runes := []rune(displayText)
	if start < 0 || end > len(runes) || start >= end {
		return nil, errors.Errorf("selection [%d, %d) out of bounds for content of length %d", start, end, len(runes))
	}

	text := strings.TrimSpace(string(runes[start:end]))
	if len([]rune(text)) < MinSelectionLength {
		return nil, ErrSelectionTooShort
	}

	return &Selection{
		MessageID: messageID,
		Text:      string(runes[start:end]),
		Start:     start,
		End:       end,
	}, nil
}

// Locate finds the first literal occurrence of phrase in content and
// returns its rune span. Used to resolve model-supplied anchor phrases
// against final generated text.
func Locate(content, phrase string) (start, end int, ok bool) {
	if phrase == "" {
		return 0, 0, false
	}
	byteIdx := strings.Index(content, phrase)
	if byteIdx < 0 {
		return 0, 0, false
	}
	start = len([]rune(content[:byteIdx]))
	end = start + len([]rune(phrase))
	return start, end, true
}

// Segment is a run of message content, either plain or highlighted by an
// anchor. Highlighted segments carry the subthread id the highlight
// routes to.
type Segment struct {
	Text        string
	ThreadID    string
	Highlighted bool
}

// Segments partitions content into alternating plain and highlighted
// runs. Anchors are processed in ascending start order; an anchor
// overlapping the previous highlighted region is skipped entirely
// (first-registered wins). Out-of-bounds spans are clamped to the content
// rather than failing.
func Segments(content string, anchors []Anchor) []Segment {
	runes := []rune(content)
	if len(anchors) == 0 {
		if len(runes) == 0 {
			return nil
		}
		return []Segment{{Text: content}}
	}

	sorted := make([]Anchor, len(anchors))
	copy(sorted, anchors)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	segments := []Segment{}
	cursor := 0
	for _, a := range sorted {
		start, end := a.Start, a.End
		if start < 0 {
			start = 0
		}
		if end > len(runes) {
			end = len(runes)
		}
		if start >= end || start < cursor {
			// Degenerate after clamping, or overlapping an earlier anchor.
			continue
		}
		if start > cursor {
			segments = append(segments, Segment{Text: string(runes[cursor:start])})
		}
		segments = append(segments, Segment{
			Text:        string(runes[start:end]),
			ThreadID:    a.ThreadID,
			Highlighted: true,
		})
		cursor = end
	}
	if cursor < len(runes) {
		segments = append(segments, Segment{Text: string(runes[cursor:])})
	}

	return segments
}
