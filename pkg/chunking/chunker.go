// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chunking splits raw text into overlapping, size-bounded
// segments for embedding and retrieval.
//
// Splitting is a pure function of (text, config): the same input always
// yields the same chunk sequence, which is what makes re-chunking a
// document idempotent.
package chunking

import (
	"fmt"
	"strings"
)

// Chunk size limits accepted at service boundaries.
const (
	MinChunkSize = 200
	MaxChunkSize = 2000
	MaxOverlap   = 400

	DefaultChunkSize = 800
	DefaultOverlap   = 80
)

// Config contains chunking parameters.
type Config struct {
	// ChunkSize is the maximum chunk length in runes.
	ChunkSize int `yaml:"chunk_size"`

	// Overlap is the number of trailing runes of a chunk repeated at the
	// start of the next one (sliding-window continuity).
	Overlap int `yaml:"overlap"`
}

// DefaultConfig returns the default chunking parameters.
func DefaultConfig() Config {
	return Config{ChunkSize: DefaultChunkSize, Overlap: DefaultOverlap}
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
}

// Validate checks the parameter ranges accepted from callers.
func (c *Config) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size must be in [%d,%d], got %d", MinChunkSize, MaxChunkSize, c.ChunkSize)
	}
	if c.Overlap < 0 || c.Overlap > MaxOverlap {
		return fmt.Errorf("overlap must be in [0,%d], got %d", MaxOverlap, c.Overlap)
	}
	if c.Overlap >= c.ChunkSize {
		return fmt.Errorf("overlap (%d) must be less than chunk size (%d)", c.Overlap, c.ChunkSize)
	}
	return nil
}

// Splitter splits text using a recursive separator hierarchy: paragraph
// breaks first, then sentence terminators (both CJK 。！？ and latin
// ". " "! " "? "), then commas and newlines, and finally a hard cut at
// rune boundaries for a single piece that still exceeds the chunk size.
type Splitter struct {
	config Config
}

// NewSplitter creates a splitter. Zero config fields get defaults; range
// validation is the caller's concern (see Config.Validate).
func NewSplitter(cfg Config) *Splitter {
	cfg.SetDefaults()
	return &Splitter{config: cfg}
}

// Config returns the splitter configuration.
func (s *Splitter) Config() Config {
	return s.config
}

// Split splits text into chunks of at most ChunkSize runes. Empty input
// yields no chunks; no emitted chunk is empty.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	pieces := s.atomize(text, 0)
	return s.assemble(pieces)
}

// Separator levels. Each level splits *after* the separator so that the
// concatenation of pieces reconstructs the source text.
const (
	levelParagraph = iota
	levelSentence
	levelClause
	levelHard
)

// atomize recursively splits text into pieces no longer than ChunkSize,
// descending a separator level only for pieces that are still too long.
func (s *Splitter) atomize(text string, level int) []string {
	if runeLen(text) <= s.config.ChunkSize {
		return []string{text}
	}

	if level >= levelHard {
		return hardCut(text, s.config.ChunkSize)
	}

	var out []string
	for _, piece := range splitAfter(text, level) {
		if runeLen(piece) <= s.config.ChunkSize {
			out = append(out, piece)
		} else {
			out = append(out, s.atomize(piece, level+1)...)
		}
	}
	return out
}

// assemble packs consecutive pieces into buffers bounded by ChunkSize.
// When a buffer would overflow it is closed, and the next buffer is
// seeded with the last Overlap runes of the emitted chunk.
func (s *Splitter) assemble(pieces []string) []string {
	var chunks []string
	var buf strings.Builder
	bufLen := 0
	seeded := false // buffer currently holds only overlap seed

	flush := func() {
		chunk := strings.TrimSpace(buf.String())
		buf.Reset()
		bufLen = 0
		if chunk == "" {
			return
		}
		chunks = append(chunks, chunk)

		if s.config.Overlap > 0 {
			seed := tailRunes(chunk, s.config.Overlap)
			buf.WriteString(seed)
			bufLen = runeLen(seed)
			seeded = true
		} else {
			seeded = false
		}
	}

	for _, piece := range pieces {
		pieceLen := runeLen(piece)

		if bufLen > 0 && bufLen+pieceLen > s.config.ChunkSize {
			if seeded {
				// Even the overlap seed plus this piece overflows;
				// drop the seed rather than emit an oversized chunk.
				buf.Reset()
				bufLen = 0
				seeded = false
			} else {
				flush()
			}
		}
		// Re-check after a flush may have seeded the buffer.
		if bufLen > 0 && bufLen+pieceLen > s.config.ChunkSize {
			buf.Reset()
			bufLen = 0
			seeded = false
		}

		buf.WriteString(piece)
		bufLen += pieceLen
		seeded = false
	}

	if bufLen > 0 && !seeded {
		flush()
	}
	// Trailing overlap seed with no content after it is discarded.

	return chunks
}

// splitAfter splits text after each separator of the given level, keeping
// the separator attached to the left piece.
func splitAfter(text string, level int) []string {
	runes := []rune(text)
	var pieces []string
	start := 0

	for i := 0; i < len(runes); i++ {
		cut := false
		switch level {
		case levelParagraph:
			if runes[i] == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
				// Consume the full blank-line run.
				j := i + 1
				for j < len(runes) && runes[j] == '\n' {
					j++
				}
				i = j - 1
				cut = true
			}
		case levelSentence:
			switch runes[i] {
			case '。', '！', '？':
				cut = true
			case '.', '!', '?':
				if i+1 >= len(runes) {
					cut = true
				} else if runes[i+1] == ' ' {
					i++ // keep the space with the left piece
					cut = true
				}
			}
		case levelClause:
			switch runes[i] {
			case ',', '、', '，', '\n':
				cut = true
			}
		}

		if cut {
			pieces = append(pieces, string(runes[start:i+1]))
			start = i + 1
		}
	}

	if start < len(runes) {
		pieces = append(pieces, string(runes[start:]))
	}
	return pieces
}

// hardCut splits text into fixed-size rune windows.
func hardCut(text string, size int) []string {
	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

// tailRunes returns the last n runes of s.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
