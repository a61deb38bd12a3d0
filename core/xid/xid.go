// Package xid defines the global transaction identifier used throughout
// Vantus. An Xid names a global transaction and, for subordinate branches,
// a branch within it, mirroring the X/Open XA identifier layout.
package xid

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxGlobalIDLength is the maximum length of the global transaction id.
	MaxGlobalIDLength = 64
	// MaxBranchQualifierLength is the maximum length of a branch qualifier.
	MaxBranchQualifierLength = 64

	// DefaultFormatID identifies Xids minted by this coordinator.
	DefaultFormatID int32 = 0x56544d01 // "VTM" + version
)

// --- Error Definitions ---

var (
	ErrGlobalIDTooLong        = fmt.Errorf("global transaction id exceeds %d bytes", MaxGlobalIDLength)
	ErrBranchQualifierTooLong = fmt.Errorf("branch qualifier exceeds %d bytes", MaxBranchQualifierLength)
	ErrMalformedXid           = fmt.Errorf("malformed xid encoding")
)

// Xid uniquely names a global transaction and an optional branch within it.
// The zero value is not a valid Xid. Xids are immutable: constructors and
// accessors copy the underlying byte slices.
type Xid struct {
	formatID        int32
	globalID        []byte
	branchQualifier []byte
}

// New mints a fresh global Xid (empty branch qualifier) under the given
// format id. The global id is a random UUID plus a nanosecond timestamp
// suffix.
func New(formatID int32) Xid {
	u := uuid.New()
	gid := make([]byte, 0, len(u)+8)
	gid = append(gid, u[:]...)
	gid = binary.BigEndian.AppendUint64(gid, uint64(time.Now().UnixNano()))
	return Xid{formatID: formatID, globalID: gid}
}

// FromParts builds an Xid from explicit components, validating lengths.
func FromParts(formatID int32, globalID, branchQualifier []byte) (Xid, error) {
	if len(globalID) > MaxGlobalIDLength {
		return Xid{}, ErrGlobalIDTooLong
	}
	if len(branchQualifier) > MaxBranchQualifierLength {
		return Xid{}, ErrBranchQualifierTooLong
	}
	return Xid{
		formatID:        formatID,
		globalID:        bytes.Clone(globalID),
		branchQualifier: bytes.Clone(branchQualifier),
	}, nil
}

// FormatID returns the format identifier.
func (x Xid) FormatID() int32 { return x.formatID }

// GlobalID returns a copy of the global transaction id.
func (x Xid) GlobalID() []byte { return bytes.Clone(x.globalID) }

// BranchQualifier returns a copy of the branch qualifier.
func (x Xid) BranchQualifier() []byte { return bytes.Clone(x.branchQualifier) }

// IsZero reports whether x is the zero Xid.
func (x Xid) IsZero() bool {
	return x.formatID == 0 && len(x.globalID) == 0 && len(x.branchQualifier) == 0
}

// Equal reports whether two Xids match on all three fields.
func (x Xid) Equal(other Xid) bool {
	return x.formatID == other.formatID &&
		bytes.Equal(x.globalID, other.globalID) &&
		bytes.Equal(x.branchQualifier, other.branchQualifier)
}

// SameGlobal reports whether two Xids belong to the same global transaction,
// regardless of branch qualifier.
func (x Xid) SameGlobal(other Xid) bool {
	return x.formatID == other.formatID && bytes.Equal(x.globalID, other.globalID)
}

// Branch derives a branch Xid sharing this Xid's global id with the given
// branch qualifier substituted.
func (x Xid) Branch(branchQualifier []byte) (Xid, error) {
	if len(branchQualifier) > MaxBranchQualifierLength {
		return Xid{}, ErrBranchQualifierTooLong
	}
	return Xid{
		formatID:        x.formatID,
		globalID:        bytes.Clone(x.globalID),
		branchQualifier: bytes.Clone(branchQualifier),
	}, nil
}

// String encodes the Xid as "formatID:hex(globalID):hex(branchQualifier)".
// The encoding is stable and usable as a map key or wire token.
func (x Xid) String() string {
	return fmt.Sprintf("%d:%s:%s",
		x.formatID,
		hex.EncodeToString(x.globalID),
		hex.EncodeToString(x.branchQualifier))
}

// Parse reverses String.
func Parse(s string) (Xid, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return Xid{}, ErrMalformedXid
	}
	formatID, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: bad format id: %v", ErrMalformedXid, err)
	}
	gid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: bad global id: %v", ErrMalformedXid, err)
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: bad branch qualifier: %v", ErrMalformedXid, err)
	}
	return FromParts(int32(formatID), gid, bqual)
}
