// Package docstore persists one JSON document per key.
//
// Room memory and the context archive each get their own Backend. The file
// backend keeps the atomic tmp+fsync+rename write discipline, the redis and
// sqlite backends let several service replicas share room state.
package docstore

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = errors.New("docstore: document not found")

// Backend stores whole documents. Put replaces any previous document.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// DefaultRoom is the key used when a caller supplies no room id.
const DefaultRoom = "global"

const maxKeyLen = 120

// SafeKey maps an arbitrary room id onto a key usable as a file name:
// letters, digits, '-' and '_' are kept, everything else becomes '_'.
// The result is capped at 120 runes; an empty id maps to DefaultRoom.
func SafeKey(roomID string) string {
	var b strings.Builder
	n := 0
	for _, r := range roomID {
		if n == maxKeyLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
		n++
	}
	if b.Len() == 0 {
		return DefaultRoom
	}
	return b.String()
}

// RoomID normalizes a client supplied room id: surrounding whitespace is
// dropped and an empty id becomes DefaultRoom.
func RoomID(roomID string) string {
	if id := strings.TrimSpace(roomID); id != "" {
		return id
	}
	return DefaultRoom
}
