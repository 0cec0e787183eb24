package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// AgentIDPrefix is the prefix for all agent identity tokens.
	AgentIDPrefix = "agt_"
	// AgentIDLength is the expected length of the hex portion of an agent id.
	AgentIDLength = 64 // 32 bytes = 64 hex chars
)

// GenerateAgentID returns a new opaque agent identity token.
func GenerateAgentID() (string, error) {
	buf := make([]byte, AgentIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate agent id: %w", err)
	}
	return AgentIDPrefix + hex.EncodeToString(buf), nil
}

// IsValidAgentIDFormat checks if the agent id has the correct format.
func IsValidAgentIDFormat(agentID string) bool {
	if !strings.HasPrefix(agentID, AgentIDPrefix) {
		return false
	}
	hexPart := strings.TrimPrefix(agentID, AgentIDPrefix)
	if len(hexPart) != AgentIDLength {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns empty string if the header is not a valid Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
