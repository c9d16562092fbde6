package quad

import (
	"encoding/binary"
	"math"
)

// Forever is the valid_to sentinel meaning "valid until further notice".
const Forever int64 = math.MaxInt64

// Payload is the value stored alongside every index key: the validity
// interval (microsecond UTC timestamps, closed-open [from, to)) and the
// transaction id at which this version became visible.
type Payload struct {
	ValidFrom int64
	ValidTo   int64
	Tx        uint64
}

// PayloadLen is the fixed encoded width: two int64 timestamps + one uint64
// tx id.
const PayloadLen = 24

func (p Payload) Encode() []byte {
	buf := make([]byte, PayloadLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(p.ValidFrom))
	binary.BigEndian.PutUint64(buf[8:16], uint64(p.ValidTo))
	binary.BigEndian.PutUint64(buf[16:24], p.Tx)
	return buf
}

func DecodePayload(buf []byte) Payload {
	return Payload{
		ValidFrom: int64(binary.BigEndian.Uint64(buf[0:8])),
		ValidTo:   int64(binary.BigEndian.Uint64(buf[8:16])),
		Tx:        binary.BigEndian.Uint64(buf[16:24]),
	}
}

// IsCurrent reports whether this version has no logical-delete boundary.
func (p Payload) IsCurrent() bool { return p.ValidTo == Forever }
