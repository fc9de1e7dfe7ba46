package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IDType is the prefix of an identifier: <type>_<unix seconds>_<8 hex>.
type IDType string

const (
	IDTypeSession    IDType = "sess"
	IDTypePlan       IDType = "plan"
	IDTypeStep       IDType = "step"
	IDTypeCheckpoint IDType = "ckpt"
	IDTypeSnapshot   IDType = "snap"
	IDTypeAction     IDType = "act"
	IDTypeChange     IDType = "chg"
)

func (t IDType) valid() bool {
	switch t {
	case IDTypeSession, IDTypePlan, IDTypeStep, IDTypeCheckpoint, IDTypeSnapshot, IDTypeAction, IDTypeChange:
		return true
	}
	return false
}

func GenerateID(idType IDType) (string, error) {
	if !idType.valid() {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(b[:])), nil
}

// MustGenerateID panics when the system random source fails.
func MustGenerateID(idType IDType) string {
	id, err := GenerateID(idType)
	if err != nil {
		panic(err)
	}
	return id
}

// ParsedID is an identifier split into its parts.
type ParsedID struct {
	Type      IDType
	CreatedAt time.Time
	Suffix    string
}

func ParseID(id string) (ParsedID, error) {
	bad := func() (ParsedID, error) { return ParsedID{}, fmt.Errorf("invalid ID format: %q", id) }

	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return bad()
	}
	typ, ts, suffix := IDType(parts[0]), parts[1], parts[2]
	if !typ.valid() || len(ts) != 10 || len(suffix) != 8 {
		return bad()
	}
	sec, err := strconv.ParseUint(ts, 10, 63)
	if err != nil {
		return bad()
	}
	for _, c := range suffix {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return bad()
		}
	}
	return ParsedID{Type: typ, CreatedAt: time.Unix(int64(sec), 0), Suffix: suffix}, nil
}

func ValidateID(id string) bool {
	_, err := ParseID(id)
	return err == nil
}

func ParseIDType(id string) (IDType, error) {
	p, err := ParseID(id)
	return p.Type, err
}

func ParseIDTimestamp(id string) (time.Time, error) {
	p, err := ParseID(id)
	return p.CreatedAt, err
}

// CheckID reports an error unless id is well formed and of type want.
func CheckID(id string, want IDType) error {
	got, err := ParseIDType(id)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("ID %q is a %s ID, want %s", id, got, want)
	}
	return nil
}
