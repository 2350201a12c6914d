//go:build opus

package audio

import (
	"fmt"
	"sync"

	"github.com/hraban/opus"
)

// maxPacketBytes bounds one encoded Opus frame.
const maxPacketBytes = 4000

type opusCodec struct {
	bitrate int
	pool    sync.Pool
}

// NewOpusCodec returns a mono 48 kHz VoIP Opus codec at a fixed bitrate.
func NewOpusCodec(bitrate int) (Codec, error) {
	if bitrate <= 0 {
		return nil, fmt.Errorf("opus bitrate must be positive, got %d", bitrate)
	}
	c := &opusCodec{bitrate: bitrate}
	// Fail early when libopus refuses the configuration.
	enc, err := c.newOpusEncoder()
	if err != nil {
		return nil, err
	}
	c.pool.Put(enc)
	return c, nil
}

func (c *opusCodec) Name() string { return "opus" }

func (c *opusCodec) newOpusEncoder() (*opus.Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("new opus encoder: %w", err)
	}
	if err := enc.SetBitrate(c.bitrate); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	return enc, nil
}

func (c *opusCodec) NewEncoder() (Encoder, error) {
	if enc, ok := c.pool.Get().(*opus.Encoder); ok && enc != nil {
		return &opusEncoder{codec: c, enc: enc, buf: make([]byte, maxPacketBytes)}, nil
	}
	enc, err := c.newOpusEncoder()
	if err != nil {
		return nil, err
	}
	return &opusEncoder{codec: c, enc: enc, buf: make([]byte, maxPacketBytes)}, nil
}

func (c *opusCodec) NewDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("new opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, pcm: make([]int16, FrameSamples)}, nil
}

type opusEncoder struct {
	codec *opusCodec
	enc   *opus.Encoder
	buf   []byte
}

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != FrameSamples {
		return nil, fmt.Errorf("opus frame must hold %d samples, got %d", FrameSamples, len(pcm))
	}
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return append([]byte(nil), e.buf[:n]...), nil
}

func (e *opusEncoder) Close() error {
	if e.enc != nil {
		e.codec.pool.Put(e.enc)
		e.enc = nil
	}
	return nil
}

type opusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

func (d *opusDecoder) Decode(payload []byte) ([]int16, error) {
	n, err := d.dec.Decode(payload, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return append([]int16(nil), d.pcm[:n]...), nil
}

func (d *opusDecoder) Close() error { return nil }
