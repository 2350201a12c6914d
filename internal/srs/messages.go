// Package srs implements a broadcasting client for the SRS radio network:
// a JSON control channel over TCP and binary voice packets over UDP.
package srs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MsgType identifies a control channel message.
type MsgType int

const (
	MsgUpdate           MsgType = 0
	MsgPing             MsgType = 1
	MsgSync             MsgType = 2
	MsgRadioUpdate      MsgType = 3
	MsgServerSettings   MsgType = 4
	MsgClientDisconnect MsgType = 5
	MsgVersionMismatch  MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgUpdate:
		return "update"
	case MsgPing:
		return "ping"
	case MsgSync:
		return "sync"
	case MsgRadioUpdate:
		return "radio_update"
	case MsgServerSettings:
		return "server_settings"
	case MsgClientDisconnect:
		return "client_disconnect"
	case MsgVersionMismatch:
		return "version_mismatch"
	default:
		return fmt.Sprintf("msg_type(%d)", int(t))
	}
}

// Modulation of a radio. Broadcast stations transmit AM.
type Modulation uint8

const (
	ModulationAM Modulation = 0
	ModulationFM Modulation = 1
)

// NetworkMessage is one line on the control channel.
type NetworkMessage struct {
	Client         *ClientInfo       `json:"Client,omitempty"`
	MsgType        MsgType           `json:"MsgType"`
	Version        string            `json:"Version"`
	ServerSettings map[string]string `json:"ServerSettings,omitempty"`
}

// ClientInfo is the identity the server shows to other participants.
type ClientInfo struct {
	ClientGUID     string          `json:"ClientGuid"`
	Name           string          `json:"Name,omitempty"`
	Coalition      int             `json:"Coalition"`
	AllowRecord    bool            `json:"AllowRecord"`
	RadioInfo      *RadioInfo      `json:"RadioInfo,omitempty"`
	LatLngPosition *LatLngPosition `json:"LatLngPosition,omitempty"`
}

type RadioInfo struct {
	Radios []Radio `json:"radios"`
	Unit   string  `json:"unit"`
	UnitID uint32  `json:"unitId"`
}

type Radio struct {
	Freq       float64    `json:"freq"`
	Modulation Modulation `json:"modulation"`
	Enc        bool       `json:"enc"`
	EncKey     int        `json:"encKey"`
	SecFreq    float64    `json:"secFreq"`
}

type LatLngPosition struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
	Alt float64 `json:"alt"`
}

// encodeMessage renders msg as a newline terminated JSON line.
func encodeMessage(msg NetworkMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.MsgType, err)
	}
	return append(data, '\n'), nil
}

func decodeMessage(line []byte) (NetworkMessage, error) {
	var msg NetworkMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &msg); err != nil {
		return NetworkMessage{}, fmt.Errorf("decode control message: %w", err)
	}
	return msg, nil
}
