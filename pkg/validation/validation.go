package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const maxIDLength = 100

var (
	// IDRegex matches room and peer ids. They travel in relay query strings
	// and Redis channel names, so the alphabet is kept URL and key safe.
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format (only letters, numbers, '.', '_', '-' allowed)", kind)
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	return validateID("peer ID", peerID)
}

// ValidateRoomID validates room ID
func ValidateRoomID(roomID string) error {
	return validateID("room ID", roomID)
}

// ValidateSignalURL validates the URL of a signaling relay.
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSubject validates the subject of a minted token.
func ValidateSubject(subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return fmt.Errorf("subject is required")
	}
	if len(subject) > maxIDLength {
		return fmt.Errorf("subject is too long (max %d characters)", maxIDLength)
	}
	return nil
}
