package wire

import (
	"github.com/google/uuid"
)

// Identifier is a 16-byte process-independent handle. The same identifier on
// both peers refers to the same object. Equality is on the bytes alone.
type Identifier [16]byte

// NewIdentifier mints a fresh random identifier.
func NewIdentifier() Identifier {
	return Identifier(uuid.New())
}

// IsZero reports whether the identifier is the zero value.
func (id Identifier) IsZero() bool {
	return id == Identifier{}
}

func (id Identifier) String() string {
	return uuid.UUID(id).String()
}

// VersionedIdentifier pairs an identifier with the version counters used for
// consistency exchanges. LocalVersion increments whenever the local side
// mints a new binding for the identifier; RemoteVersion is the latest
// version observed from the peer.
type VersionedIdentifier struct {
	ID            Identifier
	LocalVersion  uint32
	RemoteVersion uint32
}
