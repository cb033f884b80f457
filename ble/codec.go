package ble

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// Characteristic value codecs for the identity service. The user id
// characteristic holds exactly 8 bytes, big-endian; the name
// characteristic holds the raw UTF-8 bytes of the display name.

// EncodeUserId encodes a user id for the user-id characteristic.
func EncodeUserId(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// DecodeUserId decodes the value read from the user-id characteristic.
func DecodeUserId(value []byte) (int64, error) {
	if len(value) != 8 {
		return 0, fmt.Errorf("user id characteristic: expected 8 bytes, got %d", len(value))
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

// EncodeUserName encodes a display name for the user-name characteristic.
func EncodeUserName(name string) []byte {
	return []byte(name)
}

// DecodeUserName decodes the value read from the user-name characteristic.
func DecodeUserName(value []byte) (string, error) {
	if len(value) == 0 {
		return "", fmt.Errorf("user name characteristic: empty value")
	}
	if !utf8.Valid(value) {
		return "", fmt.Errorf("user name characteristic: invalid UTF-8")
	}
	return string(value), nil
}
