// Package contenthash derives the dedup key for a raw recording. The key is
// a set-membership identity, not a security boundary.
package contenthash

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/yungbote/devicebridge/internal/domain"
)

// UID digests the vendor-native raw key salted with the device type, so two
// vendors reusing the same recording id can never collide.
func UID(rawKey string, deviceType domain.DeviceType) string {
	h := sha256.Sum256([]byte(deviceType.String() + "/" + rawKey))
	return hex.EncodeToString(h[:])
}
