package diff

import "testing"

func TestComputeIdenticalTextsIsEmptyDelta(t *testing.T) {
	segments := Compute("line one\nline two\n", "line one\nline two\n")
	for _, segment := range segments {
		if segment.Op != SegmentEqual {
			t.Fatalf("expected only equal segments, got %+v", segments)
		}
	}
}

func TestComputeBothEmptyYieldsNoSegments(t *testing.T) {
	segments := Compute("", "")
	if len(segments) != 0 {
		t.Fatalf("expected no segments, got %+v", segments)
	}
}

func TestComputeInsertOnly(t *testing.T) {
	segments := Compute("", "fresh content\n")
	if len(segments) != 1 || segments[0].Op != SegmentInsert {
		t.Fatalf("unexpected segments: %+v", segments)
	}
	if segments[0].Text != "fresh content\n" {
		t.Fatalf("unexpected insert text: %q", segments[0].Text)
	}
}

func TestComputeDeleteOnly(t *testing.T) {
	segments := Compute("old content\n", "")
	if len(segments) != 1 || segments[0].Op != SegmentDelete {
		t.Fatalf("unexpected segments: %+v", segments)
	}
}

func TestComputeMixedEdit(t *testing.T) {
	base := "alpha\nbeta\ngamma\n"
	target := "alpha\nBETA\ngamma\ndelta\n"
	segments := Compute(base, target)

	sawDelete := false
	sawInsert := false
	for _, segment := range segments {
		switch segment.Op {
		case SegmentDelete:
			sawDelete = true
		case SegmentInsert:
			sawInsert = true
		}
	}
	if !sawDelete || !sawInsert {
		t.Fatalf("expected replace to yield delete and insert segments: %+v", segments)
	}
}

func TestReconstructReproducesTarget(t *testing.T) {
	testCases := []struct {
		name   string
		base   string
		target string
	}{
		{name: "identical", base: "same\ntext\n", target: "same\ntext\n"},
		{name: "append", base: "one\n", target: "one\ntwo\n"},
		{name: "rewrite", base: "completely\ndifferent\n", target: "brand\nnew\ncontent\n"},
		{name: "no-trailing-newline", base: "alpha\nbeta", target: "alpha\ngamma"},
		{name: "from-empty", base: "", target: "hello\n"},
		{name: "to-empty", base: "goodbye\n", target: ""},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			segments := Compute(testCase.base, testCase.target)
			if got := Reconstruct(segments); got != testCase.target {
				t.Fatalf("reconstruction mismatch: got %q want %q", got, testCase.target)
			}
		})
	}
}
