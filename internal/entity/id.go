package entity

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedID wraps every id parse failure.
var ErrMalformedID = errors.New("entity: malformed id")

// IDByteLength is the raw size of an entity id.
const IDByteLength = 32

// IDPrefix is the fixed text-form prefix.
const IDPrefix = "ent_"

// crockford is the Crockford base-32 alphabet, lower-case canonical form.
// It omits i, l, o and u to avoid transcription ambiguity.
const crockford = "0123456789abcdefghjkmnpqrstvwxyz"

var encoding = base32.NewEncoding(crockford).WithPadding(base32.NoPadding)

// ID is a 32-byte globally unique entity identifier.
//
// comparable, usable as a map key
type ID [IDByteLength]byte

// NewID returns a fresh random id.
func NewID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand failure means the process has no usable entropy source
		panic(fmt.Sprintf("entity: read random id: %v", err))
	}
	return id
}

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != IDByteLength {
		return ID{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrMalformedID, IDByteLength, len(b))
	}
	return ID(b), nil
}

// ParseID decodes the textual form. Decoding is case-insensitive and folds
// the Crockford confusables (I/L to 1, O to 0). A missing prefix or a form
// that does not decode to exactly 32 bytes is a hard error.
func ParseID(s string) (ID, error) {
	lowered := strings.ToLower(s)
	if !strings.HasPrefix(lowered, IDPrefix) {
		return ID{}, fmt.Errorf("%w: %q missing %q prefix", ErrMalformedID, s, IDPrefix)
	}
	body := normalizeCrockford(lowered[len(IDPrefix):])
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return ID{}, fmt.Errorf("%w: decode %q: %v", ErrMalformedID, s, err)
	}
	if len(raw) != IDByteLength {
		return ID{}, fmt.Errorf("%w: %q decodes to %d bytes, want %d", ErrMalformedID, s, len(raw), IDByteLength)
	}
	return ID(raw), nil
}

func normalizeCrockford(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case 'o':
			return '0'
		case 'i', 'l':
			return '1'
		}
		return r
	}, s)
}

func (id ID) Bytes() []byte {
	return id[:]
}

// String returns the canonical lower-case text form.
func (id ID) String() string {
	return IDPrefix + encoding.EncodeToString(id[:])
}
