package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// RateLimitKey buckets session-creation requests per client IP.
func RateLimitKey(clientIP string) string {
	return fmt.Sprintf("ratelimit:sessions:%s", clientIP)
}

// PublicKeysystemKey caches the secret-free keysystem view served to visitors.
func PublicKeysystemKey(keysystemID uuid.UUID) string {
	return fmt.Sprintf("keysystem:public:%s", keysystemID)
}
