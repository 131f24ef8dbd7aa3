// Package domain contains entity without logic, just meta-data
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// ScreenSuffix distinguishes the screen-share identity from the base
	// identity of the same participant on the wire.
	ScreenSuffix = "_screen"

	channelIDLen = 16
)

type (
	// UID is the provider-level participant identifier.
	UID string

	// RealmID identifies the virtual space a room belongs to.
	RealmID string

	// RoomToken is the application-level name of a room inside a realm.
	RoomToken string

	// ChannelID is the wire-level channel name derived from (realm, room).
	ChannelID string
)

// Screen returns the screen-share identity owned by this UID.
func (u UID) Screen() UID { return u + ScreenSuffix }

// BaseUID strips the screen suffix from a raw wire identity.
func BaseUID(raw string) string {
	return strings.TrimSuffix(raw, ScreenSuffix)
}

// IsScreenUID reports whether a raw wire identity names a screen publisher.
func IsScreenUID(raw string) bool {
	return strings.HasSuffix(raw, ScreenSuffix)
}

// DeriveChannelID maps (realm, room) to a stable wire-level channel name.
// Both transports of a room share this identity. The digest is truncated to
// 16 hex chars (64 bits), enough that two rooms never collide in practice.
func DeriveChannelID(realm RealmID, room RoomToken) ChannelID {
	sum := sha256.Sum256([]byte(string(realm) + "-" + string(room)))
	return ChannelID(hex.EncodeToString(sum[:])[:channelIDLen])
}
