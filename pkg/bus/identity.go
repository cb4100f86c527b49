package bus

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Identity uniquely identifies one execution context.
// It is generated once when a Bus is created and never persisted.
type Identity string

// NewIdentity creates a fresh context identity from random bits and the
// creation time, formatted as "<base36 millis>-<uuid>".
func NewIdentity() Identity {
	return newIdentityAt(time.Now())
}

func newIdentityAt(t time.Time) Identity {
	return Identity(strconv.FormatInt(t.UnixMilli(), 36) + "-" + uuid.New().String())
}

// String returns the identity as a plain string.
func (id Identity) String() string {
	return string(id)
}
