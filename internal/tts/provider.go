package tts

import "strings"

type ProviderKind string

const (
	ProviderGoogle ProviderKind = "google"
	ProviderAWS    ProviderKind = "aws"
	ProviderLocal  ProviderKind = "local"
)

// Provider selects a backend and a voice within it.
type Provider struct {
	Kind  ProviderKind
	Voice string
}

func (p Provider) String() string {
	if p.Voice == "" {
		return string(p.Kind) + " (default voice)"
	}
	return string(p.Kind) + " (" + p.Voice + ")"
}

// ParseProvider reads a station voice selector. "GC:<voice>", "AWS:<voice>"
// and "WIN[:<voice>]" pick a backend explicitly; a bare voice name means
// Google Cloud; anything else falls back to the local engine's default voice.
func ParseProvider(s string) Provider {
	prefix, voice, found := strings.Cut(s, ":")
	if found {
		switch prefix {
		case "GC", "gc":
			return Provider{Kind: ProviderGoogle, Voice: voice}
		case "AWS", "aws":
			return Provider{Kind: ProviderAWS, Voice: voice}
		case "WIN", "win":
			return Provider{Kind: ProviderLocal, Voice: voice}
		}
		return Provider{Kind: ProviderLocal}
	}
	switch s {
	case "":
		return Provider{Kind: ProviderLocal}
	case "WIN", "win":
		return Provider{Kind: ProviderLocal}
	default:
		return Provider{Kind: ProviderGoogle, Voice: s}
	}
}
