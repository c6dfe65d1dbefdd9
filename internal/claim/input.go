package claim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Numberish holds a JSON number or string verbatim. Parsing happens during
// normalization so every problem surfaces as a ValidationError.
type Numberish string

func (n *Numberish) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Numberish(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected number or string, got %s", data)
	}
	*n = Numberish(num.String())
	return nil
}

func (n Numberish) String() string { return string(n) }

func (n Numberish) IsSet() bool { return strings.TrimSpace(string(n)) != "" }

// SnapshotEntryInput is an allowlist entry: either a bare address string or
// an {address, maxClaimable} object.
type SnapshotEntryInput struct {
	Address      string    `json:"address"`
	MaxClaimable Numberish `json:"maxClaimable,omitempty"`
}

func (s *SnapshotEntryInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var addr string
		if err := json.Unmarshal(data, &addr); err != nil {
			return err
		}
		*s = SnapshotEntryInput{Address: addr}
		return nil
	}
	type plain SnapshotEntryInput
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("snapshot entry: %w", err)
	}
	*s = SnapshotEntryInput(p)
	return nil
}
