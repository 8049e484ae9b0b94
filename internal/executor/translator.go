package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/fusionn-autosub/internal/config"
	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/langs"
	"github.com/fusionn-autosub/internal/segment"
	"github.com/fusionn-autosub/internal/service/orchestrator"
	"github.com/fusionn-autosub/pkg/logger"
)

const systemPromptTemplate = `You are a professional subtitle translator. Translate the following subtitle segments from %s to %s.

Rules:
- Keep translations concise and natural for spoken dialogue
- Preserve the original meaning and tone
- Each line must not exceed %d characters
- Do not add explanations, notes, or extra text
- Preserve speaker labels if present (e.g., [Speaker 1]:)
- Maintain informal/formal register matching the original
- For idiomatic expressions, use equivalent expressions in the target language
- Return ONLY the translated text, one segment per line, numbered to match input`

// Translator handles subtitle translation via an Ollama chat model.
type Translator struct {
	cfg    config.TranslateConfig
	client *resty.Client

	mu      sync.RWMutex
	limiter *rate.Limiter
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

type ollamaError struct {
	Error string `json:"error"`
}

// NewTranslator creates a new Translator executor.
func NewTranslator(cfg config.TranslateConfig) *Translator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.ContextSize < 0 {
		cfg.ContextSize = 0
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 42
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	t := &Translator{
		cfg: cfg,
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
	t.SetRateLimit(cfg.RateLimitRPM)
	return t
}

// SetRateLimit replaces the request limiter. rpm <= 0 disables limiting.
func (t *Translator) SetRateLimit(rpm int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rpm <= 0 {
		t.limiter = nil
		return
	}
	// Convert RPM to rate per second
	t.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
	logger.Infof("🚦 Translator rate limit: %d RPM", rpm)
}

func (t *Translator) wait(ctx context.Context) error {
	t.mu.RLock()
	limiter := t.limiter
	t.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return failure.New(failure.CodeTimeout, "translate", fmt.Errorf("rate limit: %w", err))
	}
	return nil
}

// Translate returns a copy of segments with Translation filled, sending
// batches of numbered lines plus a few preceding lines as context.
// Lines the model leaves out keep the original text.
func (t *Translator) Translate(ctx context.Context, segments []segment.Segment, sourceLang, targetLang, model string, onProgress orchestrator.ProgressFunc) ([]segment.Segment, error) {
	out := make([]segment.Segment, len(segments))
	copy(out, segments)
	if len(out) == 0 {
		return out, nil
	}
	if model == "" {
		model = t.cfg.Model
	}

	source, target := langs.DisplayName(sourceLang), langs.DisplayName(targetLang)
	system := fmt.Sprintf(systemPromptTemplate, source, target, t.cfg.MaxChars)
	total := len(out)
	started := time.Now()

	logger.Infof("🌐 Translating %d segments: %s → %s (model=%s)", total, source, target, model)
	if onProgress != nil {
		onProgress(0, fmt.Sprintf("Translating %d segments (%s -> %s)", total, source, target))
	}

	for start := 0; start < total; start += t.cfg.BatchSize {
		end := min(start+t.cfg.BatchSize, total)
		prior := out[max(0, start-t.cfg.ContextSize):start]

		if err := t.wait(ctx); err != nil {
			return nil, err
		}
		reply, err := t.chat(ctx, model, system, buildPrompt(prior, out[start:end], start))
		if err != nil {
			return nil, err
		}
		logger.Debugf("Ollama response for batch %d-%d: %.500s", start, end, reply)

		for i, line := range parseResponse(reply, end-start) {
			line = stripSpeaker(line, out[start+i].Speaker)
			if line == "" {
				logger.Warnf("⚠️ Empty translation for segment %d, using original text", start+i)
				line = out[start+i].Text
			}
			out[start+i].Translation = line
		}

		if onProgress != nil {
			done := end
			elapsed := time.Since(started).Seconds()
			msg := fmt.Sprintf("Translated %d/%d segments", done, total)
			if elapsed > 0 {
				perSec := float64(done) / elapsed
				msg += fmt.Sprintf(" (%.1f seg/s, ~%.0fs remaining)", perSec, float64(total-done)/perSec)
			}
			onProgress(float64(done)/float64(total), msg)
		}
	}

	logger.Infof("✅ Translation complete: %d segments in %s", total, time.Since(started).Round(time.Millisecond))
	return out, nil
}

func (t *Translator) chat(ctx context.Context, model, system, prompt string) (string, error) {
	var result chatResponse
	var apiErr ollamaError
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: model,
			Messages: []chatMessage{
				{Role: "system", Content: system},
				{Role: "user", Content: prompt},
			},
			Stream: false,
			Options: map[string]any{
				"temperature": t.cfg.Temperature,
				"top_p":       0.9,
				"num_predict": 2048,
			},
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/chat")
	if err != nil {
		if ctx.Err() != nil {
			return "", failure.New(failure.CodeTimeout, "translate", ctx.Err())
		}
		return "", failure.New(failure.CodeUnavailable, "translate", fmt.Errorf("ollama request: %w", err))
	}
	if resp.IsError() {
		return "", httpFailure("translate", resp.StatusCode(), apiErr.Error, resp.String())
	}
	return result.Message.Content, nil
}

// buildPrompt numbers lines from 1 across the whole transcript so the model
// sees context and batch in one sequence.
func buildPrompt(prior, batch []segment.Segment, offset int) string {
	var b strings.Builder
	if len(prior) > 0 {
		b.WriteString("Context (previous segments, for reference only - do NOT translate these):\n")
		for i, s := range prior {
			fmt.Fprintf(&b, "  [%d] %s\n", offset-len(prior)+i+1, s.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("Translate these segments:")
	for i, s := range batch {
		text := s.Text
		if s.Speaker != "" {
			text = fmt.Sprintf("[%s]: %s", s.Speaker, text)
		}
		fmt.Fprintf(&b, "\n  [%d] %s", offset+i+1, text)
	}
	return b.String()
}

// parseResponse returns exactly expected lines, stripping "[n]", "n." and
// similar numbering. Missing lines come back empty.
func parseResponse(response string, expected int) []string {
	lines := make([]string, 0, expected)
	for _, raw := range strings.Split(strings.TrimSpace(response), "\n") {
		line := stripNumber(strings.TrimSpace(raw))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	for len(lines) < expected {
		lines = append(lines, "")
	}
	return lines[:expected]
}

func stripNumber(line string) string {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "]"); end != -1 {
			return strings.TrimSpace(line[end+1:])
		}
		return line
	}
	i := strings.IndexFunc(line, func(r rune) bool { return !unicode.IsDigit(r) })
	if i > 0 && strings.ContainsRune(".)]:-", rune(line[i])) {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

// stripSpeaker drops the "[Speaker N]:" label the model echoes back; writers
// add their own.
func stripSpeaker(line, speaker string) string {
	if speaker == "" {
		return line
	}
	if rest, ok := strings.CutPrefix(line, "["+speaker+"]:"); ok {
		return strings.TrimSpace(rest)
	}
	return line
}
