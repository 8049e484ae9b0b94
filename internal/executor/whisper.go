package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/fusionn-autosub/internal/config"
	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/langs"
	"github.com/fusionn-autosub/internal/modelcache"
	"github.com/fusionn-autosub/internal/segment"
	"github.com/fusionn-autosub/internal/service/orchestrator"
	"github.com/fusionn-autosub/pkg/logger"
)

// Whisper handles transcription via the local faster-whisper script or the
// OpenAI API.
type Whisper struct {
	cfg    config.WhisperConfig
	client *resty.Client
}

// NewWhisper creates a new Whisper executor.
func NewWhisper(cfg config.WhisperConfig) *Whisper {
	client := resty.New().
		SetTimeout(30 * time.Minute).
		SetRetryCount(1).
		SetRetryWaitTime(2 * time.Second)
	return &Whisper{cfg: cfg, client: client}
}

// Transcribe transcribes audioPath with model. An empty languageHint lets the
// model detect the language.
func (w *Whisper) Transcribe(ctx context.Context, audioPath string, model modelcache.Model, languageHint string, onProgress orchestrator.ProgressFunc) (segment.Transcript, error) {
	// whisper only knows base codes ("zh", not "zh-Hans")
	languageHint = langs.Base(languageHint)
	switch strings.ToLower(w.cfg.Provider) {
	case "openai":
		return w.transcribeOpenAI(ctx, audioPath, languageHint, onProgress)
	default:
		return w.transcribeLocal(ctx, audioPath, model, languageHint, onProgress)
	}
}

// transcribeLocal uses faster-whisper via Python script. The script writes a
// JSON transcript and prints "PROGRESS <fraction>" lines.
func (w *Whisper) transcribeLocal(ctx context.Context, audioPath string, model modelcache.Model, languageHint string, onProgress orchestrator.ProgressFunc) (segment.Transcript, error) {
	outPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".transcript.json"
	defer os.Remove(outPath)

	// Build command: python transcribe.py <input> <output> --model <model> [--language <lang>]
	args := []string{
		w.cfg.Script,
		audioPath,
		outPath,
		"--model", model.Path,
	}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}
	if w.cfg.Device != "" {
		args = append(args, "--device", w.cfg.Device)
	}
	if w.cfg.ComputeType != "" {
		args = append(args, "--compute_type", w.cfg.ComputeType)
	}
	if w.cfg.BeamSize > 0 {
		args = append(args, "--beam_size", strconv.Itoa(w.cfg.BeamSize))
	}

	logger.Infof("🎤 Transcribing (faster-whisper %s): %s", model.Name, filepath.Base(audioPath))
	if _, err := run(ctx, command{
		op:       "transcribe",
		name:     w.cfg.Python,
		args:     args,
		onStdout: scriptProgress("Transcribing", onProgress),
	}); err != nil {
		return segment.Transcript{}, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return segment.Transcript{}, failure.New(failure.CodeMalformedOutput, "transcribe", fmt.Errorf("transcript not created: %w", err))
	}
	t, err := parseTranscript(data)
	if err != nil {
		return segment.Transcript{}, err
	}

	logger.Infof("✅ Transcription complete: %d segments, language=%s (%.0f%%)", len(t.Segments), t.Language, t.LanguageConfidence*100)
	return t, nil
}

func parseTranscript(data []byte) (segment.Transcript, error) {
	var t segment.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return segment.Transcript{}, failure.New(failure.CodeMalformedOutput, "transcribe", err)
	}
	kept := t.Segments[:0]
	for _, s := range t.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" || s.End < s.Start {
			continue
		}
		kept = append(kept, s)
	}
	t.Segments = kept
	return t, nil
}

// openAIVerbose is the verbose_json response of the transcription API.
type openAIVerbose struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		AvgLogprob float64 `json:"avg_logprob"`
	} `json:"segments"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// transcribeOpenAI uses OpenAI Whisper API.
func (w *Whisper) transcribeOpenAI(ctx context.Context, audioPath, languageHint string, onProgress orchestrator.ProgressFunc) (segment.Transcript, error) {
	logger.Infof("🎤 Transcribing (OpenAI API): %s", filepath.Base(audioPath))
	if onProgress != nil {
		onProgress(0, "Uploading audio")
	}

	form := map[string]string{
		"model":           "whisper-1",
		"response_format": "verbose_json",
	}
	if languageHint != "" {
		form["language"] = languageHint
	}

	var result openAIVerbose
	var apiErr openAIError
	resp, err := w.client.R().
		SetContext(ctx).
		SetAuthToken(w.cfg.APIKey).
		SetFile("file", audioPath).
		SetFormData(form).
		SetResult(&result).
		SetError(&apiErr).
		Post(strings.TrimSuffix(w.cfg.BaseURL, "/") + "/audio/transcriptions")
	if err != nil {
		return segment.Transcript{}, failure.New(failure.CodeUnavailable, "transcribe", fmt.Errorf("api request: %w", err))
	}
	if resp.IsError() {
		return segment.Transcript{}, httpFailure("transcribe", resp.StatusCode(), apiErr.Error.Message, resp.String())
	}

	t := segment.Transcript{
		Language:           result.Language,
		LanguageConfidence: 1,
		Duration:           result.Duration,
	}
	for _, s := range result.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		t.Segments = append(t.Segments, segment.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       text,
			Confidence: math.Exp(s.AvgLogprob),
		})
	}

	if onProgress != nil {
		onProgress(1, fmt.Sprintf("Transcribed %d segments", len(t.Segments)))
	}
	logger.Infof("✅ Transcription complete: %d segments", len(t.Segments))
	return t, nil
}

// httpFailure maps an HTTP error status to a failure code.
func httpFailure(op string, status int, message, body string) *failure.Error {
	if message == "" {
		message = body
	}
	code := failure.CodeInternal
	switch {
	case status == 404:
		code = failure.CodeModelMissing
	case status == 408 || status == 504:
		code = failure.CodeTimeout
	case status == 429:
		code = failure.CodeResourceBusy
	case status >= 500:
		code = failure.CodeUnavailable
	case status == 400 || status == 413 || status == 415:
		code = failure.CodeInvalidInput
	}
	return failure.Newf(code, op, "api error (%d): %s", status, message)
}

// scriptProgress parses "PROGRESS <fraction> [message]" lines printed by the
// helper scripts.
func scriptProgress(label string, onProgress orchestrator.ProgressFunc) func(string) {
	if onProgress == nil {
		return nil
	}
	return func(line string) {
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "PROGRESS ")
		if !ok {
			return
		}
		value, message, _ := strings.Cut(rest, " ")
		fraction, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return
		}
		fraction = clamp01(fraction)
		if message == "" {
			message = fmt.Sprintf("%s: %.0f%%", label, fraction*100)
		}
		onProgress(fraction, message)
	}
}
