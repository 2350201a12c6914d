package srs

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"
	"testing"
)

func TestVoicePacketLayout(t *testing.T) {
	guid := NewGUID()
	pkt := VoicePacket{
		Audio:            []byte{1, 2, 3, 4, 5},
		Frequencies:      []Frequency{{Hz: 251000000, Modulation: ModulationAM}},
		UnitID:           100000001,
		PacketID:         7,
		TransmissionGUID: guid,
		OriginGUID:       guid,
	}
	data, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	wantLen := 6 + 5 + 10 + 4 + 8 + 1 + 22 + 22
	if len(data) != wantLen {
		t.Fatalf("packet length %d, want %d", len(data), wantLen)
	}
	if got := binary.LittleEndian.Uint16(data[0:]); int(got) != wantLen {
		t.Fatalf("length header %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[2:]); got != 5 {
		t.Fatalf("audio length header %d", got)
	}
	if got := binary.LittleEndian.Uint16(data[4:]); got != 10 {
		t.Fatalf("frequency length header %d", got)
	}
	if !bytes.Equal(data[6:11], pkt.Audio) {
		t.Fatalf("audio not at offset 6")
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(data[11:])); got != 251000000 {
		t.Fatalf("frequency %v", got)
	}
	if data[19] != 0 || data[20] != 0 {
		t.Fatalf("modulation/encryption bytes %d %d", data[19], data[20])
	}
	if got := binary.LittleEndian.Uint32(data[21:]); got != 100000001 {
		t.Fatalf("unit id %d", got)
	}
	if got := binary.LittleEndian.Uint64(data[25:]); got != 7 {
		t.Fatalf("packet id %d", got)
	}
	if data[33] != 0 {
		t.Fatalf("hop count %d", data[33])
	}
	if string(data[34:56]) != guid || string(data[56:78]) != guid {
		t.Fatalf("guids not at the tail")
	}

	parsed, err := ParseVoicePacket(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.PacketID != 7 || parsed.UnitID != 100000001 || !bytes.Equal(parsed.Audio, pkt.Audio) {
		t.Fatalf("unexpected parsed packet %+v", parsed)
	}
}

func TestVoicePacketRejectsBadInput(t *testing.T) {
	if _, err := (VoicePacket{TransmissionGUID: "short", OriginGUID: "short"}).MarshalBinary(); err == nil {
		t.Fatalf("expected error for short guid")
	}
	if _, err := ParseVoicePacket([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated packet")
	}

	guid := NewGUID()
	data, err := VoicePacket{Audio: []byte{9}, TransmissionGUID: guid, OriginGUID: guid}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	binary.LittleEndian.PutUint16(data[2:], 40)
	if _, err := ParseVoicePacket(data); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestNewGUID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		guid := NewGUID()
		if len(guid) != GUIDLength {
			t.Fatalf("guid %q has length %d", guid, len(guid))
		}
		if strings.ContainsAny(guid, "/+=") {
			t.Fatalf("guid %q is not url safe", guid)
		}
		if seen[guid] {
			t.Fatalf("duplicate guid %q", guid)
		}
		seen[guid] = true
	}
}

func TestUnitIDStable(t *testing.T) {
	a := UnitID(100000000, "batumi")
	if a != UnitID(100000000, "batumi") {
		t.Fatalf("unit id not stable")
	}
	if a < 100000000 || a >= 101000000 {
		t.Fatalf("unit id %d outside range", a)
	}
	if a == UnitID(100000000, "kutaisi") {
		t.Fatalf("expected distinct unit ids")
	}
}

func TestControlMessageEncoding(t *testing.T) {
	data, err := encodeMessage(NetworkMessage{MsgType: MsgPing, Version: "2.1.0.10", Client: &ClientInfo{ClientGUID: "abc"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if data[len(data)-1] != '\n' {
		t.Fatalf("message not newline terminated")
	}
	for _, field := range []string{`"MsgType":1`, `"Version":"2.1.0.10"`, `"ClientGuid":"abc"`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("expected %s in %s", field, data)
		}
	}
	msg, err := decodeMessage(data)
	if err != nil || msg.MsgType != MsgPing || msg.Client.ClientGUID != "abc" {
		t.Fatalf("decode: %+v %v", msg, err)
	}
}
