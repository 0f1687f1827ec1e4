// Package codec decodes the borsh-serialized fragments of contract storage
// the indexer cares about: little-endian integers, length-prefixed strings and
// base64 payloads carrying JSON documents.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedEncoding reports a decode that would read past the buffer or met
// an unexpected shape. Unrelated records can share a key prefix, so callers
// treat this as skip-this-record, never as fatal.
var ErrMalformedEncoding = errors.New("malformed encoding")

// Uint32LE reads a 4-byte little-endian unsigned integer at offset.
func Uint32LE(buf []byte, offset int) (uint32, error) {
	if offset < 0 || len(buf) < offset+4 {
		return 0, fmt.Errorf("%w: u32 at offset %d in %d bytes", ErrMalformedEncoding, offset, len(buf))
	}
	return binary.LittleEndian.Uint32(buf[offset:]), nil
}

// Uint64LE reads an 8-byte little-endian unsigned integer at offset. Vector
// storage keys encode the collection index this way, directly after the
// single prefix byte.
func Uint64LE(buf []byte, offset int) (uint64, error) {
	if offset < 0 || len(buf) < offset+8 {
		return 0, fmt.Errorf("%w: u64 at offset %d in %d bytes", ErrMalformedEncoding, offset, len(buf))
	}
	return binary.LittleEndian.Uint64(buf[offset:]), nil
}

// StringAt reads a borsh string whose u32 length lives at lenOffset and whose
// bytes start at strOffset.
func StringAt(buf []byte, lenOffset, strOffset int) (string, error) {
	n, err := Uint32LE(buf, lenOffset)
	if err != nil {
		return "", err
	}
	if strOffset < 0 || uint64(len(buf)) < uint64(strOffset)+uint64(n) {
		return "", fmt.Errorf("%w: string of %d bytes at offset %d in %d bytes", ErrMalformedEncoding, n, strOffset, len(buf))
	}
	s := buf[strOffset : strOffset+int(n)]
	if !utf8.Valid(s) {
		return "", fmt.Errorf("%w: string at offset %d is not valid UTF-8", ErrMalformedEncoding, strOffset)
	}
	return string(s), nil
}

// LengthPrefixedString reads a borsh string starting at offset: a u32 length
// immediately followed by that many bytes.
func LengthPrefixedString(buf []byte, offset int) (string, error) {
	return StringAt(buf, offset, offset+4)
}

// DecodeBase64 decodes a standard base64 payload.
func DecodeBase64(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedEncoding, err)
	}
	return raw, nil
}

// DecodeBase64JSON decodes a base64 payload and unmarshals the carried UTF-8
// JSON document into v.
func DecodeBase64JSON(s string, v any) error {
	raw, err := DecodeBase64(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: json: %v", ErrMalformedEncoding, err)
	}
	return nil
}
