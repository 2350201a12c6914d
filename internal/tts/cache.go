package tts

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedSynth remembers complete utterances. Message stations repeat the
// same text every cycle, so most of their requests never reach the backend.
type cachedSynth struct {
	name  string
	next  Synthesizer
	cache *lru.Cache[string, []SynthChunk]
}

// NewCachedSynth wraps next with an LRU of size entries shared under name.
func NewCachedSynth(name string, next Synthesizer, cache *lru.Cache[string, []SynthChunk]) Synthesizer {
	return &cachedSynth{name: name, next: next, cache: cache}
}

// NewSynthCache creates the utterance cache. A non-positive size disables
// caching and returns nil.
func NewSynthCache(size int) (*lru.Cache[string, []SynthChunk], error) {
	if size <= 0 {
		return nil, nil
	}
	return lru.New[string, []SynthChunk](size)
}

func (c *cachedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	if c.cache == nil {
		return c.next.Synthesize(ctx, req)
	}
	key := c.name + "\x00" + req.Voice + "\x00" + req.Text
	if chunks, ok := c.cache.Get(key); ok {
		return replay(ctx, chunks)
	}
	chunks, err := Collect(ctx, c.next, req)
	if err != nil {
		return failed(err)
	}
	if len(chunks) > 0 {
		c.cache.Add(key, chunks)
	}
	return replay(ctx, chunks)
}
