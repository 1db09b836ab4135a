package session

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so a snapshot serializes to the
// same bytes on every build of the host.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("session: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Snapshot is the host transaction snapshot shipped to the service so
// task results are judged against the same visibility horizon the query
// runs under. The service treats it as an opaque visibility oracle; the
// fields mirror what the host engine exports.
type Snapshot struct {
	XMin       uint64   `cbor:"1,keyasint"`
	XMax       uint64   `cbor:"2,keyasint"`
	ActiveXIDs []uint64 `cbor:"3,keyasint,omitempty"`
	CurrentXID uint64   `cbor:"4,keyasint,omitempty"`
	Isolation  uint8    `cbor:"5,keyasint,omitempty"`
}

// MarshalSnapshot serializes a Snapshot to canonical CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
