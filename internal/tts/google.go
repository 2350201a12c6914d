package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-atis/internal/audio"
)

const defaultGoogleVoice = "en-US-Standard-C"

type googleSynth struct {
	endpoint   string
	apiKey     string
	sampleRate int
	client     *http.Client
}

// NewGoogleSynth calls the Google Cloud Text-to-Speech REST API.
func NewGoogleSynth(endpoint, apiKey string, sampleRate int, client *http.Client) Synthesizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &googleSynth{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		sampleRate: sampleRate,
		client:     client,
	}
}

type googleRequest struct {
	Input       googleInput       `json:"input"`
	Voice       googleVoice       `json:"voice"`
	AudioConfig googleAudioConfig `json:"audioConfig"`
}

type googleInput struct {
	Text string `json:"text"`
}

type googleVoice struct {
	LanguageCode string `json:"languageCode"`
	Name         string `json:"name"`
}

type googleAudioConfig struct {
	AudioEncoding   string `json:"audioEncoding"`
	SampleRateHertz int    `json:"sampleRateHertz"`
}

type googleResponse struct {
	AudioContent string `json:"audioContent"`
}

type googleErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *googleSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	if g.apiKey == "" {
		return failed(unavailable("google", "not_configured", "api key missing", nil))
	}
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		chunk, err := g.request(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- chunk
	}()
	return chunks, errs
}

func (g *googleSynth) request(ctx context.Context, req SynthRequest) (SynthChunk, error) {
	voice := req.Voice
	if voice == "" {
		voice = defaultGoogleVoice
	}
	payload := googleRequest{
		Input: googleInput{Text: req.Text},
		Voice: googleVoice{LanguageCode: languageCode(voice), Name: voice},
		AudioConfig: googleAudioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: g.sampleRate,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SynthChunk{}, rejected("google", "encode_request", "marshal request", err)
	}

	endpoint := g.endpoint + "/v1/text:synthesize?key=" + url.QueryEscape(g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return SynthChunk{}, unavailable("google", "bad_endpoint", "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return SynthChunk{}, ctx.Err()
		}
		return SynthChunk{}, unavailable("google", "transport", "request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return SynthChunk{}, unavailable("google", "transport", "read response", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr googleErrorBody
		msg := resp.Status
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return SynthChunk{}, statusError("google", resp.StatusCode, msg)
	}

	var out googleResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return SynthChunk{}, unavailable("google", "bad_response", "decode response", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return SynthChunk{}, unavailable("google", "bad_response", "decode audio content", err)
	}
	// LINEAR16 responses carry a WAV header.
	samples, rate, err := audio.DecodeWAV(bytes.NewReader(raw))
	if err != nil {
		return SynthChunk{}, unavailable("google", "bad_response", "decode wav", err)
	}
	return SynthChunk{SampleRate: rate, Channels: 1, PCM: audio.SamplesToBytes(samples), Final: true}, nil
}

// languageCode derives "en-US" from a voice name such as "en-US-Wavenet-D".
func languageCode(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 2 {
		return "en-US"
	}
	return fmt.Sprintf("%s-%s", parts[0], parts[1])
}
