package pipeline

import (
	"strings"

	"github.com/pbxvault/pbxvault/internal/models"
)

// isExternalAddress distinguishes off-system parties from extensions: E.164
// numbers carry a leading plus, federated chat addresses carry a domain.
func isExternalAddress(addr string) bool {
	return strings.HasPrefix(addr, "+") || strings.Contains(addr, "@")
}

// messageDirection normalizes a raw message: an external sender makes it
// inbound, an external recipient makes it outbound, otherwise it stayed
// between extensions.
func messageDirection(m models.SourceMessage) models.MessageDirection {
	if m.SenderExternal || isExternalAddress(m.Sender) {
		return models.DirectionInbound
	}
	for _, r := range m.Recipients {
		if isExternalAddress(r) {
			return models.DirectionOutbound
		}
	}
	return models.DirectionInternal
}

// callDirection classifies a CDR row by which leg is off-system.
func callDirection(c models.SourceCall) models.MessageDirection {
	switch {
	case isExternalAddress(c.Caller):
		return models.DirectionInbound
	case isExternalAddress(c.Callee):
		return models.DirectionOutbound
	default:
		return models.DirectionInternal
	}
}
