package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fusionn-autosub/internal/config"
	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/modelcache"
	"github.com/fusionn-autosub/internal/segment"
	"github.com/fusionn-autosub/internal/service/orchestrator"
	"github.com/fusionn-autosub/pkg/logger"
)

// Diarizer runs the pyannote script, which prints progress lines and finally
// one JSON array of speaker turns on stdout.
type Diarizer struct {
	cfg config.DiarizeConfig
}

// NewDiarizer creates a new Diarizer executor.
func NewDiarizer(cfg config.DiarizeConfig) *Diarizer {
	return &Diarizer{cfg: cfg}
}

// Diarize returns the speaker turns of audioPath.
func (d *Diarizer) Diarize(ctx context.Context, audioPath string, model modelcache.Model, onProgress orchestrator.ProgressFunc) ([]segment.Turn, error) {
	args := []string{d.cfg.Script, audioPath, "--model", model.Path}
	if d.cfg.MinSpeakers > 0 {
		args = append(args, "--min_speakers", strconv.Itoa(d.cfg.MinSpeakers))
	}
	if d.cfg.MaxSpeakers > 0 {
		args = append(args, "--max_speakers", strconv.Itoa(d.cfg.MaxSpeakers))
	}
	var env []string
	if d.cfg.HFToken != "" {
		env = append(env, "HF_TOKEN="+d.cfg.HFToken)
	}

	logger.Infof("🗣️ Diarizing: %s", filepath.Base(audioPath))
	out, err := run(ctx, command{
		op:       "diarize",
		name:     d.cfg.Python,
		args:     args,
		env:      env,
		onStdout: scriptProgress("Identifying speakers", onProgress),
	})
	if err != nil {
		return nil, err
	}

	turns, err := parseTurns(out)
	if err != nil {
		return nil, err
	}
	logger.Infof("✅ Diarization complete: %d turns, %d speakers", len(turns), countSpeakers(turns))
	return turns, nil
}

// parseTurns reads the last JSON array line of the script output.
func parseTurns(out string) ([]segment.Turn, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "[") {
			continue
		}
		var turns []segment.Turn
		if err := json.Unmarshal([]byte(line), &turns); err != nil {
			return nil, failure.New(failure.CodeMalformedOutput, "diarize", err)
		}
		return turns, nil
	}
	return nil, failure.Newf(failure.CodeMalformedOutput, "diarize", "no speaker turns in output")
}

func countSpeakers(turns []segment.Turn) int {
	seen := map[string]bool{}
	for _, t := range turns {
		seen[t.Speaker] = true
	}
	return len(seen)
}
