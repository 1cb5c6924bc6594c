package state

import (
	"bytes"
	"encoding/binary"
)

// Canonical byte forms feed the state hash chain. Every record is made of
// fixed-size fields only, so binary encoding is deterministic.

func (u *User) CanonicalBytes() []byte {
	return canonical(u)
}

func (m *PerpMarket) CanonicalBytes() []byte {
	return canonical(m)
}

func (m *SpotMarket) CanonicalBytes() []byte {
	return canonical(m)
}

func (s *UserStats) CanonicalBytes() []byte {
	return canonical(s)
}

func canonical(v any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		// only reachable if a variable-size field is added to a record
		panic("state: non-canonical record: " + err.Error())
	}
	return buf.Bytes()
}
