package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pion/sdp/v3"
)

var (
	// IDRegex validates session and peer id format
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

const (
	maxIDLength          = 128
	maxDisplayNameLength = 80
	maxSDPLength         = 32 * 1024
)

func ValidateSessionID(sessionID string) error {
	return validateID(sessionID, "session ID")
}

func ValidatePeerID(peerID string) error {
	return validateID(peerID, "peer ID")
}

func validateID(id, field string) error {
	if id == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", field, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", field)
	}
	return nil
}

func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(strings.TrimSpace(name)) > maxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", maxDisplayNameLength)
	}
	return nil
}

// ValidateQuality validates quality tier
func ValidateQuality(quality string) error {
	switch quality {
	case "low", "medium", "high":
		return nil
	default:
		return fmt.Errorf("invalid quality: must be one of low, medium, high")
	}
}

// ParseSDP parses a session description and checks it carries at least one
// media section.
func ParseSDP(raw string) (*sdp.SessionDescription, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("sdp is empty")
	}
	if len(raw) > maxSDPLength {
		return nil, fmt.Errorf("sdp is too long (max %d bytes)", maxSDPLength)
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("invalid sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("sdp has no media sections")
	}
	return &desc, nil
}

// MediaKinds counts the media sections of a parsed description by kind
// ("audio", "video", "application").
func MediaKinds(desc *sdp.SessionDescription) map[string]int {
	kinds := make(map[string]int)
	for _, md := range desc.MediaDescriptions {
		kinds[md.MediaName.Media]++
	}
	return kinds
}

// ValidateCandidate checks an ICE candidate line in either the bare or the
// "candidate:"-prefixed attribute form.
func ValidateCandidate(candidate string) error {
	c := strings.TrimSpace(candidate)
	if c == "" {
		return fmt.Errorf("candidate is empty")
	}
	c = strings.TrimPrefix(c, "a=")
	c = strings.TrimPrefix(c, "candidate:")
	// foundation component transport priority address port "typ" type
	if len(strings.Fields(c)) < 8 {
		return fmt.Errorf("candidate is malformed")
	}
	return nil
}
