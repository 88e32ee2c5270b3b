// Package packet implements the on-the-wire codec shared by the network
// simulator and the transport engines.
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// MaxPayload is the byte capacity of a single packet payload.
	MaxPayload = 1024

	universalHeaderBytes = 16
	typeHeaderBytes      = 16

	// HeaderBytes is the fixed prefix preceding the payload.
	HeaderBytes = universalHeaderBytes + typeHeaderBytes

	// MaxPacketBytes bounds the encoded size of any packet.
	MaxPacketBytes = HeaderBytes + MaxPayload

	// MaxTransmissionID is the largest assignable transmission id. The high
	// bit of the id word carries the packet kind.
	MaxTransmissionID = 1<<31 - 1

	// MaxBitmapBits is the widest acknowledgement window a single comm
	// packet can carry.
	MaxBitmapBits = MaxPayload * 8

	kindBit = uint32(1) << 31
)

// ErrMalformed reports a structurally invalid packet. Callers drop the
// packet; retransmission repairs the loss.
var ErrMalformed = errors.New("malformed packet")

// Kind discriminates the two packet variants.
type Kind uint8

const (
	KindData Kind = 0
	KindComm Kind = 1
)

func (k Kind) String() string {
	if k == KindComm {
		return "comm"
	}
	return "data"
}

// Packet is either *DataPacket or *CommPacket.
type Packet interface {
	Kind() Kind
	EncodedLen() int
	Encode(b []byte) (int, error)
}

// DataPacket carries one chunk of a transmission.
type DataPacket struct {
	TransmissionID uint32
	Index          uint32
	NPackets       uint32
	Payload        []byte
}

// CommPacket carries an acknowledgement bitmap window. Bit i of Bitmap
// acknowledges packet FirstIndex+i.
type CommPacket struct {
	TransmissionID uint32
	FirstIndex     uint32
	NBits          uint32
	Bitmap         []byte
}

func (p *DataPacket) Kind() Kind { return KindData }
func (p *CommPacket) Kind() Kind { return KindComm }

func (p *DataPacket) EncodedLen() int { return HeaderBytes + len(p.Payload) }
func (p *CommPacket) EncodedLen() int { return HeaderBytes + len(p.Bitmap) }

// BitmapBytes returns the payload size needed for a window of nbits.
func BitmapBytes(nbits uint32) int {
	return int((nbits + 7) / 8)
}

// Encode writes the packet into b and returns the number of bytes written.
func (p *DataPacket) Encode(b []byte) (int, error) {
	if p.TransmissionID > MaxTransmissionID {
		return 0, errors.Wrapf(ErrMalformed, "transmission id %d out of range", p.TransmissionID)
	}
	if len(p.Payload) == 0 || len(p.Payload) > MaxPayload {
		return 0, errors.Wrapf(ErrMalformed, "payload length %d", len(p.Payload))
	}
	if p.NPackets == 0 || p.Index >= p.NPackets {
		return 0, errors.Wrapf(ErrMalformed, "index %d outside transmission of %d packets", p.Index, p.NPackets)
	}
	if len(b) < p.EncodedLen() {
		return 0, errors.Wrapf(ErrMalformed, "encode buffer too small: %d < %d", len(b), p.EncodedLen())
	}
	putHeaders(b, p.TransmissionID, uint32(len(p.Payload)), p.Index, p.NPackets)
	copy(b[HeaderBytes:], p.Payload)
	return p.EncodedLen(), nil
}

// Encode writes the packet into b and returns the number of bytes written.
func (p *CommPacket) Encode(b []byte) (int, error) {
	if p.TransmissionID > MaxTransmissionID {
		return 0, errors.Wrapf(ErrMalformed, "transmission id %d out of range", p.TransmissionID)
	}
	if p.NBits == 0 || p.NBits > MaxBitmapBits {
		return 0, errors.Wrapf(ErrMalformed, "bitmap of %d bits", p.NBits)
	}
	if len(p.Bitmap) != BitmapBytes(p.NBits) {
		return 0, errors.Wrapf(ErrMalformed, "bitmap length %d does not cover %d bits", len(p.Bitmap), p.NBits)
	}
	if len(b) < p.EncodedLen() {
		return 0, errors.Wrapf(ErrMalformed, "encode buffer too small: %d < %d", len(b), p.EncodedLen())
	}
	putHeaders(b, p.TransmissionID|kindBit, uint32(len(p.Bitmap)), p.FirstIndex, p.NBits)
	copy(b[HeaderBytes:], p.Bitmap)
	return p.EncodedLen(), nil
}

func putHeaders(b []byte, idWord, payloadLen, fieldA, fieldB uint32) {
	binary.LittleEndian.PutUint64(b[0:8], universalHeaderBytes)
	binary.LittleEndian.PutUint32(b[8:12], idWord)
	binary.LittleEndian.PutUint32(b[12:16], payloadLen)
	binary.LittleEndian.PutUint64(b[16:24], typeHeaderBytes)
	binary.LittleEndian.PutUint32(b[24:28], fieldA)
	binary.LittleEndian.PutUint32(b[28:32], fieldB)
}

// Decode parses a raw packet. The returned packet's payload aliases b, so
// the caller must copy before releasing the backing buffer.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderBytes {
		return nil, errors.Wrapf(ErrMalformed, "truncated packet of %d bytes", len(b))
	}
	if binary.LittleEndian.Uint64(b[0:8]) != universalHeaderBytes {
		return nil, errors.Wrap(ErrMalformed, "bad universal header size")
	}
	if binary.LittleEndian.Uint64(b[16:24]) != typeHeaderBytes {
		return nil, errors.Wrap(ErrMalformed, "bad type header size")
	}
	idWord := binary.LittleEndian.Uint32(b[8:12])
	payloadLen := binary.LittleEndian.Uint32(b[12:16])
	fieldA := binary.LittleEndian.Uint32(b[24:28])
	fieldB := binary.LittleEndian.Uint32(b[28:32])

	if payloadLen == 0 || payloadLen > MaxPayload {
		return nil, errors.Wrapf(ErrMalformed, "payload length %d", payloadLen)
	}
	if len(b) != HeaderBytes+int(payloadLen) {
		return nil, errors.Wrapf(ErrMalformed, "packet of %d bytes carries %d payload bytes", len(b), payloadLen)
	}
	payload := b[HeaderBytes:]

	if idWord&kindBit == 0 {
		if fieldB == 0 || fieldA >= fieldB {
			return nil, errors.Wrapf(ErrMalformed, "index %d outside transmission of %d packets", fieldA, fieldB)
		}
		return &DataPacket{
			TransmissionID: idWord,
			Index:          fieldA,
			NPackets:       fieldB,
			Payload:        payload,
		}, nil
	}

	if fieldB == 0 || fieldB > MaxBitmapBits {
		return nil, errors.Wrapf(ErrMalformed, "bitmap of %d bits", fieldB)
	}
	if int(payloadLen) != BitmapBytes(fieldB) {
		return nil, errors.Wrapf(ErrMalformed, "bitmap length %d does not cover %d bits", payloadLen, fieldB)
	}
	return &CommPacket{
		TransmissionID: idWord &^ kindBit,
		FirstIndex:     fieldA,
		NBits:          fieldB,
		Bitmap:         payload,
	}, nil
}
