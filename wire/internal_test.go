// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package wire

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestUTF8Truncation(t *testing.T) {
	tests := []struct {
		input string
		size  int
		want  string
	}{
		{"", 1000, ""},                 // n > length
		{"abc", 4, "abc"},              // n > length
		{"abc", 3, "abc"},              // n == length
		{"abcdefg", 4, "abcd"},         // n < length, safe
		{"abcdefg", 0, ""},             // n < length, safe
		{"abc\U0001fc2d", 3, "abc"},    // n < length, at boundary
		{"abc\U0001fc2d", 4, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 5, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2d", 6, "abc"},    // n < length, mid-rune
		{"abc\U0001fc2defg", 7, "abc"}, // n < length, cut multibyte
	}

	for _, tc := range tests {
		got := truncate(tc.input, tc.size)
		if got != tc.want {
			t.Errorf("truncate(%q, %d): got %q, want %q", tc.input, tc.size, got, tc.want)
		}

		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d): result %q is not valid UTF-8", tc.input, tc.size, got)
		}
	}
}

func TestDecompressLimit(t *testing.T) {
	big := []byte(strings.Repeat("x", 4096))
	z := compress(big)
	if len(z) >= len(big) {
		t.Fatalf("compress: got %d bytes, want fewer than %d", len(z), len(big))
	}

	if got, err := decompress(z, len(big)); err != nil {
		t.Errorf("decompress: unexpected error: %v", err)
	} else if !bytes.Equal(got, big) {
		t.Errorf("decompress: got %d bytes, want %d", len(got), len(big))
	}

	if got, err := decompress(z, len(big)-1); err == nil {
		t.Errorf("decompress: got %d bytes, want error", len(got))
	} else {
		t.Logf("decompress over limit: got expected error: %v", err)
	}

	if got, err := decompress([]byte("not a zstd frame"), len(big)); err == nil {
		t.Errorf("decompress garbage: got %d bytes, want error", len(got))
	}

	// A small leading frame must not admit a large trailing frame.
	multi := append(compress(big), compress(make([]byte, 1<<20))...)
	if got, err := decompress(multi, 2*len(big)); err == nil {
		t.Errorf("decompress multi-frame: got %d bytes, want error", len(got))
	} else {
		t.Logf("decompress multi-frame: got expected error: %v", err)
	}

	// Concatenated frames that fit within the first declared size are still
	// rejected, since the output is capped at that size.
	small := []byte("abc")
	if got, err := decompress(append(compress(big), compress(small)...), 2*len(big)); err == nil {
		t.Errorf("decompress trailing frame: got %d bytes, want error", len(got))
	}
}
