// Package enhancer turns a raw user prompt plus free-form conversation text
// into a call against the remote prompt enhancement endpoint.
package enhancer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/remote"
)

// Backend is the remote call the enhancer delegates to.
type Backend interface {
	EnhancePrompt(ctx context.Context, prompt string, history []remote.ChatMessage) (string, error)
}

// Recorder receives completed enhancement outcomes for the operation log.
// May be nil.
type Recorder interface {
	RecordEnhance(d time.Duration, err error)
}

const enhanceTimeout = 60 * time.Second

// Enhancer orchestrates prompt enhancement.
type Enhancer struct {
	backend Backend
	rec     Recorder
	logger  *logging.Logger
}

func New(backend Backend, rec Recorder, logger *logging.Logger) *Enhancer {
	return &Enhancer{backend: backend, rec: rec, logger: logger}
}

// Enhance rewrites a prompt. conversationHistory is free-form "User:" /
// "Assistant:" transcript text and may be empty.
func (e *Enhancer) Enhance(ctx context.Context, prompt, conversationHistory string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt cannot be empty")
	}
	history := ParseHistory(conversationHistory)

	ctx, cancel := context.WithTimeout(ctx, enhanceTimeout)
	defer cancel()

	start := time.Now()
	out, err := e.backend.EnhancePrompt(ctx, prompt, history)
	if e.rec != nil {
		e.rec.RecordEnhance(time.Since(start), err)
	}
	if err != nil {
		e.logger.Warn("prompt enhancement failed", logging.Error(err))
		return "", err
	}
	e.logger.Info("prompt enhanced",
		logging.Int("history_turns", len(history)),
		logging.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

// ParseHistory splits transcript text into role-tagged turns. Lines beginning
// with a recognized speaker prefix start a new turn; other lines continue the
// current one. Text before any prefix is dropped.
func ParseHistory(text string) []remote.ChatMessage {
	var (
		history  []remote.ChatMessage
		role     string
		lines    []string
		haveTurn bool
	)

	flush := func() {
		if haveTurn {
			history = append(history, remote.ChatMessage{
				Role:    role,
				Content: strings.Join(lines, "\n"),
			})
		}
		lines = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if haveTurn {
				lines = append(lines, "")
			}
			continue
		}
		if newRole, rest, ok := splitSpeaker(trimmed); ok {
			flush()
			role = newRole
			haveTurn = true
			lines = []string{rest}
			continue
		}
		if haveTurn {
			lines = append(lines, trimmed)
		}
	}
	flush()
	return history
}

var speakerPrefixes = []struct {
	prefix string
	role   string
}{
	{"User:", "user"},
	{"用户:", "user"},
	{"AI:", "assistant"},
	{"Assistant:", "assistant"},
	{"助手:", "assistant"},
}

func splitSpeaker(line string) (role, rest string, ok bool) {
	for _, sp := range speakerPrefixes {
		if strings.HasPrefix(line, sp.prefix) {
			return sp.role, strings.TrimSpace(line[len(sp.prefix):]), true
		}
	}
	return "", "", false
}
