package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParticipantID identifies an audio stream inside a channel: the local user, a remote
// user, or a synthetic translator stream. Zero means "unknown / not provided".
//
// Payloads from the signaling backend carry IDs as numbers or as strings depending on
// the code path that produced them; every external boundary converts through
// ParseParticipantID or UnmarshalJSON so that comparisons are always numeric.
type ParticipantID uint32

// NoParticipant is the zero ID
const NoParticipant ParticipantID = 0

// IsZero reports whether the ID is absent
func (p ParticipantID) IsZero() bool {
	return p == NoParticipant
}

func (p ParticipantID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// Uint32 returns the transport-level representation
func (p ParticipantID) Uint32() uint32 {
	return uint32(p)
}

// ParseParticipantID normalizes a raw payload value into a ParticipantID.
// nil, "" and JSON null map to NoParticipant.
func ParseParticipantID(v any) (ParticipantID, error) {
	switch x := v.(type) {
	case nil:
		return NoParticipant, nil
	case ParticipantID:
		return x, nil
	case uint32:
		return ParticipantID(x), nil
	case int:
		return fromInt64(int64(x))
	case int32:
		return fromInt64(int64(x))
	case int64:
		return fromInt64(x)
	case uint:
		return fromUint64(uint64(x))
	case uint64:
		return fromUint64(x)
	case float64:
		return fromFloat(x)
	case float32:
		return fromFloat(float64(x))
	case json.Number:
		return parseString(string(x))
	case string:
		return parseString(x)
	default:
		return NoParticipant, fmt.Errorf("unsupported participant id type %T", v)
	}
}

// MustParticipantID is ParseParticipantID for values already known to be valid
func MustParticipantID(v any) ParticipantID {
	id, err := ParseParticipantID(v)
	if err != nil {
		panic(err)
	}
	return id
}

// UnmarshalJSON accepts 42, 42.0, "42", "", and null
func (p *ParticipantID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = NoParticipant
		return nil
	}

	var raw any
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	} else {
		raw = json.Number(data)
	}

	id, err := ParseParticipantID(raw)
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// MarshalJSON always emits a number
func (p ParticipantID) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

func parseString(s string) (ParticipantID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoParticipant, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return ParticipantID(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return NoParticipant, fmt.Errorf("invalid participant id %q", s)
	}
	return fromFloat(f)
}

func fromInt64(n int64) (ParticipantID, error) {
	if n < 0 || n > math.MaxUint32 {
		return NoParticipant, fmt.Errorf("participant id %d out of range", n)
	}
	return ParticipantID(n), nil
}

func fromUint64(n uint64) (ParticipantID, error) {
	if n > math.MaxUint32 {
		return NoParticipant, fmt.Errorf("participant id %d out of range", n)
	}
	return ParticipantID(n), nil
}

func fromFloat(f float64) (ParticipantID, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return NoParticipant, fmt.Errorf("participant id %v is not an integer", f)
	}
	if f < 0 || f > math.MaxUint32 {
		return NoParticipant, fmt.Errorf("participant id %v out of range", f)
	}
	return ParticipantID(f), nil
}
