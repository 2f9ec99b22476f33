package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// SegmentOp tags one unit of a computed textual difference.
type SegmentOp string

const (
	// SegmentEqual marks text shared by base and target.
	SegmentEqual SegmentOp = "equal"
	// SegmentInsert marks text present only in the target.
	SegmentInsert SegmentOp = "insert"
	// SegmentDelete marks text present only in the base.
	SegmentDelete SegmentOp = "delete"
)

// Segment is one line-granular piece of a minimal edit script. Concatenating
// the equal and insert text of all segments reconstructs the target exactly.
type Segment struct {
	Op   SegmentOp `json:"op"`
	Text string    `json:"text"`
}

// Compute derives an ordered minimal edit script between two texts using a
// longest-common-subsequence line matcher. Identical inputs yield a single
// equal segment, or no segments when both are empty.
func Compute(base, target string) []Segment {
	baseLines := splitLines(base)
	targetLines := splitLines(target)

	matcher := difflib.NewMatcher(baseLines, targetLines)
	segments := make([]Segment, 0, 4)
	for _, opcode := range matcher.GetOpCodes() {
		switch opcode.Tag {
		case 'e':
			segments = appendSegment(segments, SegmentEqual, strings.Join(targetLines[opcode.J1:opcode.J2], ""))
		case 'd':
			segments = appendSegment(segments, SegmentDelete, strings.Join(baseLines[opcode.I1:opcode.I2], ""))
		case 'i':
			segments = appendSegment(segments, SegmentInsert, strings.Join(targetLines[opcode.J1:opcode.J2], ""))
		case 'r':
			segments = appendSegment(segments, SegmentDelete, strings.Join(baseLines[opcode.I1:opcode.I2], ""))
			segments = appendSegment(segments, SegmentInsert, strings.Join(targetLines[opcode.J1:opcode.J2], ""))
		}
	}
	return segments
}

// Reconstruct rebuilds the target text from a segment sequence.
func Reconstruct(segments []Segment) string {
	var builder strings.Builder
	for _, segment := range segments {
		if segment.Op == SegmentEqual || segment.Op == SegmentInsert {
			builder.WriteString(segment.Text)
		}
	}
	return builder.String()
}

func appendSegment(segments []Segment, op SegmentOp, text string) []Segment {
	if text == "" {
		return segments
	}
	return append(segments, Segment{Op: op, Text: text})
}

// splitLines splits on newline boundaries while preserving the separators so
// joins are lossless.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
