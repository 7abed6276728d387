package events

import (
	"testing"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestSubject(t *testing.T) {
	ev := &models.SecurityEvent{Kind: models.EventIPFlagged, Severity: models.SeverityWarning}
	assert.Equal(t, "security.events.warning.ip_flagged", Subject("security.events", ev))
}

func TestNoop(t *testing.T) {
	var p Publisher = Noop{}
	assert.NoError(t, p.Publish(&models.SecurityEvent{}))
	p.Close()
}
