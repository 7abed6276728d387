// Package eventchain seals security events into an HMAC-SHA256 hash chain
// and verifies that a stored sequence has not been altered.
package eventchain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
)

// GenesisHash is the PrevHash of the first event in a chain
const GenesisHash = "genesis"

type Sealer struct {
	key []byte
}

func NewSealer(key string) *Sealer {
	return &Sealer{key: []byte(key)}
}

// canonical is the hashed projection of an event. Seq is excluded because it
// is assigned by the database after sealing.
type canonical struct {
	ID            string          `json:"id"`
	Category      string          `json:"category"`
	Kind          string          `json:"kind"`
	Severity      string          `json:"severity"`
	Subject       *string         `json:"subject"`
	Tenant        *string         `json:"tenant"`
	SourceAddress *string         `json:"source_address"`
	Description   string          `json:"description"`
	Metadata      json.RawMessage `json:"metadata"`
	Timestamp     string          `json:"timestamp"`
	PrevHash      string          `json:"prev_hash"`
}

// normalizeMetadata round-trips metadata through JSON so that values hash the
// same before insertion and after being read back from JSONB.
func normalizeMetadata(m models.EventMetadata) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

func (s *Sealer) compute(ev *models.SecurityEvent) (string, error) {
	meta, err := normalizeMetadata(ev.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode event metadata: %w", err)
	}

	payload, err := json.Marshal(canonical{
		ID:            ev.ID.String(),
		Category:      ev.Category,
		Kind:          string(ev.Kind),
		Severity:      string(ev.Severity),
		Subject:       ev.Subject,
		Tenant:        ev.Tenant,
		SourceAddress: ev.SourceAddress,
		Description:   ev.Description,
		Metadata:      meta,
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:      ev.PrevHash,
	})
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Seal links ev to prevHash and stamps its Hash. The timestamp is truncated
// to the database's microsecond precision first.
func (s *Sealer) Seal(ev *models.SecurityEvent, prevHash string) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	ev.Timestamp = ev.Timestamp.UTC().Truncate(time.Microsecond)
	ev.PrevHash = prevHash

	hash, err := s.compute(ev)
	if err != nil {
		return err
	}
	ev.Hash = hash
	return nil
}

// Verify walks events in ascending sequence order. expectedPrev is the hash
// that the first event must link to; pass GenesisHash for a full chain.
func (s *Sealer) Verify(events []models.SecurityEvent, expectedPrev string) models.ChainVerification {
	result := models.ChainVerification{Valid: true}
	prev := expectedPrev

	for i := range events {
		ev := events[i]
		result.Checked++

		if ev.PrevHash != prev {
			return broken(result, ev.Seq, "previous hash does not match preceding event")
		}

		want, err := s.compute(&ev)
		if err != nil {
			return broken(result, ev.Seq, err.Error())
		}
		if !hmac.Equal([]byte(want), []byte(ev.Hash)) {
			return broken(result, ev.Seq, "event hash mismatch")
		}
		prev = ev.Hash
	}

	return result
}

func broken(r models.ChainVerification, seq int64, reason string) models.ChainVerification {
	r.Valid = false
	r.FirstBadSeq = &seq
	r.BrokenReason = reason
	return r
}
