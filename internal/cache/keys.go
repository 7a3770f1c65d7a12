// Package cache - key naming conventions for the bot's Redis-backed caches.
//
// Key Naming Convention: {prefix}:{resource}:{identifier}
package cache

import "fmt"

// Key prefixes for different resource types.
const (
	PrefixAdmin = "admin"
	PrefixBan   = "ban"
	PrefixMode  = "mode"
	PrefixRetry = "retry"
)

// AdminKey caches whether a canonical identity is a store-backed admin.
func AdminKey(identity string) string {
	return fmt.Sprintf("%s:%s", PrefixAdmin, identity)
}

// BanKey caches whether a canonical identity is banned.
func BanKey(identity string) string {
	return fmt.Sprintf("%s:%s", PrefixBan, identity)
}

// ModeKey caches the bot's current public/private mode document.
func ModeKey() string {
	return fmt.Sprintf("%s:current", PrefixMode)
}

// RetryKey caches an outbound message keyed by its transport id.
func RetryKey(messageID string) string {
	return fmt.Sprintf("%s:%s", PrefixRetry, messageID)
}
