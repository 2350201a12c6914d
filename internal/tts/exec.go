package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-atis/internal/audio"
	"github.com/mattn/go-shellwords"
)

// exitRejected is the exit status a local engine uses to refuse the text or
// voice it was given.
const exitRejected = 2

type execSynth struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Final      bool   `json:"final"`
}

// NewExecSynth runs a local speech engine. The command receives a JSON
// request on stdin and answers either with a WAV stream or with JSON lines
// carrying base64 PCM.
func NewExecSynth(command string, sampleRate int) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)
		e.mu.Lock()
		defer e.mu.Unlock()

		chunks, err := e.run(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		for _, chunk := range chunks {
			select {
			case schunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return schunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest) ([]SynthChunk, error) {
	data, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, SampleRate: e.sampleRate})
	if err != nil {
		return nil, rejected("local", "encode_request", "marshal request", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitRejected {
			return nil, rejected("local", "engine_refused", stderr.String(), err)
		}
		return nil, unavailable("local", "command_failed", stderr.String(), err)
	}

	out := stdout.Bytes()
	if bytes.HasPrefix(out, []byte("RIFF")) {
		samples, rate, err := audio.DecodeWAV(bytes.NewReader(out))
		if err != nil {
			return nil, unavailable("local", "bad_wav", "decode engine output", err)
		}
		return []SynthChunk{{SampleRate: rate, Channels: 1, PCM: audio.SamplesToBytes(samples), Final: true}}, nil
	}
	return e.parseLines(out)
}

func (e *execSynth) parseLines(out []byte) ([]SynthChunk, error) {
	var chunks []SynthChunk
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sequence := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, unavailable("local", "bad_output", "decode engine line", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return nil, unavailable("local", "bad_output", "decode engine pcm", err)
		}
		rate := resp.SampleRate
		if rate == 0 {
			rate = e.sampleRate
		}
		chunks = append(chunks, SynthChunk{
			Sequence:   sequence,
			SampleRate: rate,
			Channels:   1,
			PCM:        pcm,
			Final:      resp.Final,
		})
		sequence++
	}
	if err := scanner.Err(); err != nil {
		return nil, unavailable("local", "bad_output", "read engine output", err)
	}
	return chunks, nil
}
