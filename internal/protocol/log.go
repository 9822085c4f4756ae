package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flags carries per-record persistence hints. Critical is a storage hint
// only; it grants no ordering privilege in the channel.
type Flags int

const (
	FlagsDefault Flags = 0
	FlagsNormal  Flags = 1 << 0
	FlagsCritical Flags = 1 << 1
)

// Normalized maps FlagsDefault to FlagsNormal and masks unknown bits.
func (f Flags) Normalized() Flags {
	if f&FlagsCritical != 0 {
		return FlagsCritical
	}
	return FlagsNormal
}

// Log is one telemetry record. Identity fields left zero by the producer
// are assigned once during enqueue and are immutable afterwards.
type Log struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	UserID     string            `json:"userId,omitempty"`
	Device     *Device           `json:"device,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	// TransmissionTargets holds full target tokens of the form
	// "<key>-<secret>". Only the key prefix participates in pause gating.
	TransmissionTargets []string `json:"transmissionTargets,omitempty"`

	Flags Flags `json:"-"`
}

// TargetKeys returns the key prefix of each transmission target token, in
// order, without duplicates.
func (l *Log) TargetKeys() []string {
	if len(l.TransmissionTargets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(l.TransmissionTargets))
	seen := make(map[string]struct{}, len(l.TransmissionTargets))
	for _, tok := range l.TransmissionTargets {
		k := TargetKey(tok)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// TargetKey extracts the key prefix of a transmission target token: the part
// before the first '-', or the whole token when it has no '-'.
func TargetKey(token string) string {
	if i := strings.IndexByte(token, '-'); i >= 0 {
		return token[:i]
	}
	return token
}

// Container is the wire payload: a JSON object holding a batch of logs.
type Container struct {
	Logs []*Log `json:"logs"`
}

// Marshal encodes the container for transmission.
func (c *Container) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalLog decodes a single stored record payload.
func UnmarshalLog(b []byte) (*Log, error) {
	var l Log
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// MarshalLog encodes a single record for storage.
func MarshalLog(l *Log) ([]byte, error) {
	return json.Marshal(l)
}
