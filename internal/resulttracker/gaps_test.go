package resulttracker

import (
	"reflect"
	"testing"
)

func TestMergeWritePartial(t *testing.T) {
	// A single write starting at offset 10 into an empty buffer leaves
	// the zero-padded head as one gap. Grounded on
	// test_append_output_partial.
	buf, gaps := mergeWrite(nil, nil, 10, []byte("xyz"))
	if len(buf) != 13 {
		t.Fatalf("want length 13, got %d", len(buf))
	}
	want := []int{0, 10}
	if !reflect.DeepEqual(gaps, want) {
		t.Fatalf("want gaps %v, got %v", want, gaps)
	}
}

func TestMergeWritePartialHole(t *testing.T) {
	// "Bar" at offset 0, then "Foo" at offset 10: zero-filled span
	// [3,10) is a gap. Matches spec scenario 6.
	buf, gaps := mergeWrite(nil, nil, 0, []byte("Bar"))
	buf, gaps = mergeWrite(buf, gaps, 10, []byte("Foo"))
	if string(buf[:3]) != "Bar" || string(buf[10:13]) != "Foo" {
		t.Fatalf("unexpected buffer contents: %q", buf)
	}
	want := []int{3, 10}
	if !reflect.DeepEqual(gaps, want) {
		t.Fatalf("want gaps %v, got %v", want, gaps)
	}
}

func TestMergeWriteOverwriteClosesGap(t *testing.T) {
	buf, gaps := mergeWrite(nil, nil, 10, []byte("xyz"))
	buf, gaps = mergeWrite(buf, gaps, 0, []byte("0123456789xyz"))
	if len(gaps) != 0 {
		t.Fatalf("want no gaps after full overwrite, got %v", gaps)
	}
	if string(buf) != "0123456789xyz" {
		t.Fatalf("unexpected buffer contents: %q", buf)
	}
}

func TestMergeWriteReverseOrderScatteredGaps(t *testing.T) {
	var buf []byte
	var gaps []int
	// Writes land in reverse order, each 1 byte, leaving a 1-byte hole
	// at [1,2) and a 2-byte hole at [3,5).
	buf, gaps = mergeWrite(buf, gaps, 6, []byte("D"))
	buf, gaps = mergeWrite(buf, gaps, 5, []byte("C"))
	buf, gaps = mergeWrite(buf, gaps, 2, []byte("B"))
	buf, gaps = mergeWrite(buf, gaps, 0, []byte("A"))
	want := []int{1, 2, 3, 5}
	if !reflect.DeepEqual(gaps, want) {
		t.Fatalf("want gaps %v, got %v (buf=%q)", want, gaps, buf)
	}
}

func TestSubtractIntervalSplitsGap(t *testing.T) {
	gaps := []int{0, 10}
	got := subtractInterval(gaps, 4, 6)
	want := []int{0, 4, 6, 10}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestSubtractIntervalNoOverlapLeavesGapUntouched(t *testing.T) {
	gaps := []int{0, 5}
	got := subtractInterval(gaps, 10, 15)
	want := []int{0, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}
