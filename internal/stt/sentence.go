package stt

import (
	"strings"
	"sync"
	"time"
)

// DefaultMaxFragments bounds a SentenceBuffer that never sees terminal
// punctuation.
const DefaultMaxFragments = 64

// SentenceBuffer accumulates final text fragments until one ends a
// sentence, then emits the space-joined phrase and starts over.
//
// A phrase is also emitted when maxFragments fragments have piled up, when
// no fragment arrived for idleFlush (if non-zero), and on Flush.
type SentenceBuffer struct {
	mu           sync.Mutex
	fragments    []string
	maxFragments int
	idleFlush    time.Duration
	timer        *time.Timer
	emit         func(phrase string)
}

// NewSentenceBuffer creates a buffer that hands completed phrases to emit.
// emit is called with the buffer's lock held and must not block.
func NewSentenceBuffer(maxFragments int, idleFlush time.Duration, emit func(phrase string)) *SentenceBuffer {
	if maxFragments <= 0 {
		maxFragments = DefaultMaxFragments
	}
	return &SentenceBuffer{
		maxFragments: maxFragments,
		idleFlush:    idleFlush,
		emit:         emit,
	}
}

// Add appends a final fragment. Empty fragments are ignored.
func (b *SentenceBuffer) Add(fragment string) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.fragments = append(b.fragments, fragment)
	if endsSentence(fragment) || len(b.fragments) >= b.maxFragments {
		b.flushLocked()
		return
	}
	b.armIdleLocked()
}

// Flush emits whatever is buffered
func (b *SentenceBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Len returns the number of buffered fragments
func (b *SentenceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fragments)
}

// Stop cancels a pending idle flush without emitting
func (b *SentenceBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *SentenceBuffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.fragments) == 0 {
		return
	}

	phrase := strings.Join(b.fragments, " ")
	b.fragments = b.fragments[:0]
	if b.emit != nil {
		b.emit(phrase)
	}
}

func (b *SentenceBuffer) armIdleLocked() {
	if b.idleFlush <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.idleFlush, b.Flush)
}

func endsSentence(text string) bool {
	return strings.HasSuffix(text, ".") ||
		strings.HasSuffix(text, "?") ||
		strings.HasSuffix(text, "!")
}
