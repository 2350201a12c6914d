package srs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// GUIDLength is the size of a client GUID on the wire.
	GUIDLength = 22

	headerLength    = 6
	frequencyLength = 8 + 1 + 1
	trailerLength   = 4 + 8 + 1 + GUIDLength + GUIDLength
)

// Frequency is one radio a voice packet is transmitted on.
type Frequency struct {
	Hz         float64
	Modulation Modulation
	Encryption uint8
}

// VoicePacket is a single encoded audio frame as carried over UDP.
type VoicePacket struct {
	Audio            []byte
	Frequencies      []Frequency
	UnitID           uint32
	PacketID         uint64
	Hops             uint8
	TransmissionGUID string
	OriginGUID       string
}

// MarshalBinary encodes the packet in the network's little-endian layout:
// lengths header, audio, frequencies, unit id, packet id, hop count and the
// two GUIDs.
func (p VoicePacket) MarshalBinary() ([]byte, error) {
	if len(p.TransmissionGUID) != GUIDLength || len(p.OriginGUID) != GUIDLength {
		return nil, fmt.Errorf("voice packet guid must be %d bytes", GUIDLength)
	}
	freqLen := len(p.Frequencies) * frequencyLength
	total := headerLength + len(p.Audio) + freqLen + trailerLength
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("voice packet too large: %d bytes", total)
	}

	buf := make([]byte, 0, total)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(total))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Audio)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(freqLen))
	buf = append(buf, p.Audio...)
	for _, f := range p.Frequencies {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.Hz))
		buf = append(buf, byte(f.Modulation), f.Encryption)
	}
	buf = binary.LittleEndian.AppendUint32(buf, p.UnitID)
	buf = binary.LittleEndian.AppendUint64(buf, p.PacketID)
	buf = append(buf, p.Hops)
	buf = append(buf, p.TransmissionGUID...)
	buf = append(buf, p.OriginGUID...)
	return buf, nil
}

// ParseVoicePacket decodes a packet produced by MarshalBinary.
func ParseVoicePacket(data []byte) (VoicePacket, error) {
	if len(data) < headerLength+trailerLength {
		return VoicePacket{}, errors.New("voice packet truncated")
	}
	total := int(binary.LittleEndian.Uint16(data[0:]))
	audioLen := int(binary.LittleEndian.Uint16(data[2:]))
	freqLen := int(binary.LittleEndian.Uint16(data[4:]))
	if total != len(data) || headerLength+audioLen+freqLen+trailerLength != total {
		return VoicePacket{}, fmt.Errorf("voice packet length mismatch: header %d, actual %d", total, len(data))
	}
	if freqLen%frequencyLength != 0 {
		return VoicePacket{}, fmt.Errorf("voice packet frequency segment of %d bytes", freqLen)
	}

	var p VoicePacket
	off := headerLength
	p.Audio = append([]byte(nil), data[off:off+audioLen]...)
	off += audioLen
	for end := off + freqLen; off < end; off += frequencyLength {
		p.Frequencies = append(p.Frequencies, Frequency{
			Hz:         math.Float64frombits(binary.LittleEndian.Uint64(data[off:])),
			Modulation: Modulation(data[off+8]),
			Encryption: data[off+9],
		})
	}
	p.UnitID = binary.LittleEndian.Uint32(data[off:])
	off += 4
	p.PacketID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	p.Hops = data[off]
	off++
	p.TransmissionGUID = string(data[off : off+GUIDLength])
	off += GUIDLength
	p.OriginGUID = string(data[off : off+GUIDLength])
	return p, nil
}
