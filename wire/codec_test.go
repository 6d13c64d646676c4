package wire

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecodeRows_SmallUncompressed(t *testing.T) {
	table := Table{Row("a"), Row("bb"), Row("ccc")}

	frame, err := EncodeRows(table, true)
	if err != nil {
		t.Fatalf("EncodeRows: %v", err)
	}
	if frame[0] != byte(CodecNone) {
		t.Errorf("expected small table to stay uncompressed, codec=%d", frame[0])
	}

	got, err := DecodeRows(frame)
	if err != nil {
		t.Fatalf("DecodeRows: %v", err)
	}
	if len(got) != len(table) {
		t.Fatalf("row count mismatch: got %d want %d", len(got), len(table))
	}
	for i := range table {
		if !bytes.Equal(got[i], table[i]) {
			t.Errorf("row %d mismatch: got %q want %q", i, got[i], table[i])
		}
	}
}

func TestEncodeDecodeRows_CrossSiteCompressed(t *testing.T) {
	big := Row(strings.Repeat("x", 4096))
	table := Table{big, big, big}

	frame, err := EncodeRows(table, true)
	if err != nil {
		t.Fatalf("EncodeRows: %v", err)
	}
	if frame[0] != byte(CodecZstd) {
		t.Errorf("expected zstd codec for cross-site large table, got %d", frame[0])
	}

	got, err := DecodeRows(frame)
	if err != nil {
		t.Fatalf("DecodeRows: %v", err)
	}
	if len(got) != 3 || !bytes.Equal(got[0], big) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEncodeDecodeRows_LocalCompressed(t *testing.T) {
	big := Row(strings.Repeat("y", 4096))
	table := Table{big, big}

	frame, err := EncodeRows(table, false)
	if err != nil {
		t.Fatalf("EncodeRows: %v", err)
	}

	got, err := DecodeRows(frame)
	if err != nil {
		t.Fatalf("DecodeRows: %v", err)
	}
	if len(got) != 2 || !bytes.Equal(got[1], big) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodeRows_ChecksumMismatch(t *testing.T) {
	frame, err := EncodeRows(Table{Row("hello")}, true)
	if err != nil {
		t.Fatalf("EncodeRows: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF // corrupt payload

	if _, err := DecodeRows(frame); err == nil {
		t.Fatalf("expected checksum mismatch error on corrupted frame")
	}
}
