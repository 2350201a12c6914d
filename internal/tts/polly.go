package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	"github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
)

const (
	defaultPollyVoice = "Joanna"
	// pollyPCMRate is the highest rate Polly offers for raw PCM output.
	pollyPCMRate = 16000
)

// pollyAPI is the part of *polly.Client the backend calls.
type pollyAPI interface {
	SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type pollySynth struct {
	client pollyAPI
}

// NewPollySynth loads credentials from the default AWS chain and builds a
// Polly client. endpoint overrides the regional endpoint when set.
func NewPollySynth(ctx context.Context, region, endpoint string) (Synthesizer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newPollySynth(cfg, endpoint), nil
}

func newPollySynth(cfg aws.Config, endpoint string) *pollySynth {
	client := polly.NewFromConfig(cfg, func(o *polly.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		// The broadcast loop owns retries.
		o.RetryMaxAttempts = 1
	})
	return &pollySynth{client: client}
}

func (p *pollySynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		chunk, err := p.request(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		chunks <- chunk
	}()
	return chunks, errs
}

func (p *pollySynth) request(ctx context.Context, req SynthRequest) (SynthChunk, error) {
	voice := req.Voice
	if voice == "" {
		voice = defaultPollyVoice
	}
	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		OutputFormat: types.OutputFormatPcm,
		SampleRate:   aws.String(fmt.Sprint(pollyPCMRate)),
		Text:         aws.String(req.Text),
		TextType:     types.TextTypeText,
		VoiceId:      types.VoiceId(voice),
	})
	if err != nil {
		if ctx.Err() != nil {
			return SynthChunk{}, ctx.Err()
		}
		return SynthChunk{}, pollyError(err)
	}
	defer out.AudioStream.Close()

	data, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return SynthChunk{}, unavailable("aws", "transport", "read audio stream", err)
	}
	if len(data)%2 != 0 {
		data = data[:len(data)-1]
	}
	return SynthChunk{SampleRate: pollyPCMRate, Channels: 1, PCM: data, Final: true}, nil
}

// pollyError classifies an SDK failure. Requests the service refused by
// status go through statusError; everything else is a transport or
// credential problem.
func pollyError(err error) *SynthesisError {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		msg := respErr.Error()
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			msg = apiErr.ErrorCode() + ": " + apiErr.ErrorMessage()
			if apiErr.ErrorFault() == smithy.FaultServer {
				return unavailable("aws", apiErr.ErrorCode(), msg, err)
			}
		}
		se := statusError("aws", respErr.HTTPStatusCode(), msg)
		se.Cause = err
		return se
	}
	return unavailable("aws", "transport", "request failed", err)
}
