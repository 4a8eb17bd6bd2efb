package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a random id with the given prefix.
func GenerateID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id[:16]
}

func GenerateSessionID() string {
	return uuid.NewString()
}

func GeneratePeerID() string {
	return GenerateID("peer")
}

func GenerateInstanceID() string {
	return GenerateID("relay")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// TruncateString shortens s for log output.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
