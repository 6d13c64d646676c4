package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to a row payload, stored in the
// frame header so the receiving partition can pick the matching decoder
// without out-of-band negotiation.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

// inlineCompressThreshold is the payload size at or above which EncodeRows
// bothers compressing at all; below it the framing overhead isn't worth
// paying.
const inlineCompressThreshold = 256

// frameHeader mirrors the fixed-size WAL entry header discipline: a
// checksum over the payload plus enough metadata to decode it standalone.
type frameHeader struct {
	Codec    Codec
	RawLen   uint32
	Checksum uint32
}

const frameHeaderSize = 1 + 4 + 4

// EncodeRows serializes a Table into a self-describing frame. crossSite
// selects zstd (better ratio, used for the coordinator's cross-site path);
// same-coordinator local sends use lz4 for lower latency.
func EncodeRows(t Table, crossSite bool) ([]byte, error) {
	raw, err := marshalTable(t)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal table: %w", err)
	}

	hdr := frameHeader{
		Codec:    CodecNone,
		RawLen:   uint32(len(raw)),
		Checksum: crc32.ChecksumIEEE(raw),
	}

	payload := raw
	if len(raw) >= inlineCompressThreshold {
		if crossSite {
			compressed, err := zstdCompress(raw)
			if err == nil {
				hdr.Codec = CodecZstd
				payload = compressed
			}
		} else if compressed, ok := lz4Compress(raw); ok {
			hdr.Codec = CodecLZ4
			payload = compressed
		}
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = byte(hdr.Codec)
	binary.BigEndian.PutUint32(buf[1:5], hdr.RawLen)
	binary.BigEndian.PutUint32(buf[5:9], hdr.Checksum)
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// DecodeRows reverses EncodeRows, verifying the checksum before returning.
func DecodeRows(frame []byte) (Table, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("wire: short frame (%d bytes)", len(frame))
	}
	codec := Codec(frame[0])
	rawLen := binary.BigEndian.Uint32(frame[1:5])
	checksum := binary.BigEndian.Uint32(frame[5:9])
	payload := frame[frameHeaderSize:]

	var raw []byte
	var err error
	switch codec {
	case CodecNone:
		raw = payload
	case CodecZstd:
		raw, err = zstdDecompress(payload, int(rawLen))
	case CodecLZ4:
		raw, err = lz4Decompress(payload, int(rawLen))
	default:
		return nil, fmt.Errorf("wire: unknown codec %d", codec)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}

	if crc32.ChecksumIEEE(raw) != checksum {
		return nil, fmt.Errorf("wire: checksum mismatch decoding row frame")
	}
	return unmarshalTable(raw)
}

func marshalTable(t Table) ([]byte, error) {
	var buf bytes.Buffer
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(t)))
	buf.Write(countBuf[:])
	for _, row := range t {
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(row)))
		buf.Write(countBuf[:])
		buf.Write(row)
	}
	return buf.Bytes(), nil
}

func unmarshalTable(raw []byte) (Table, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("wire: truncated table header")
	}
	n := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	t := make(Table, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("wire: truncated row header at index %d", i)
		}
		rowLen := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < rowLen {
			return nil, fmt.Errorf("wire: truncated row body at index %d", i)
		}
		row := make(Row, rowLen)
		copy(row, raw[:rowLen])
		raw = raw[rowLen:]
		t = append(t, row)
	}
	return t, nil
}

func zstdCompress(raw []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func zstdDecompress(compressed []byte, rawLen int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(compressed, make([]byte, 0, rawLen))
}

// lz4Compress returns (compressed, true) on success. It reports false when
// the block is too small or incompressible for lz4's block format, in which
// case the caller keeps CodecNone and sends the raw payload instead of
// fabricating a fallback encoding that DecodeRows would have to guess at.
func lz4Compress(raw []byte) ([]byte, bool) {
	buf := make([]byte, lz4.CompressBlockBound(len(raw)))
	var c lz4.Compressor
	n, err := c.CompressBlock(raw, buf)
	if err != nil || n == 0 {
		return nil, false
	}
	return buf[:n], true
}

func lz4Decompress(compressed []byte, rawLen int) ([]byte, error) {
	raw := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(compressed, raw)
	if err != nil {
		return nil, err
	}
	return raw[:n], nil
}
