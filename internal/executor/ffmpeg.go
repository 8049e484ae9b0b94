package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fusionn-autosub/internal/config"
	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/fileops"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/service/orchestrator"
	"github.com/fusionn-autosub/pkg/logger"
)

// FFmpeg extracts audio and burns subtitles with the ffmpeg CLI.
type FFmpeg struct {
	cfg config.FFmpegConfig
}

// NewFFmpeg creates a new FFmpeg executor.
func NewFFmpeg(cfg config.FFmpegConfig) *FFmpeg {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.Probe == "" {
		cfg.Probe = "ffprobe"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoder == "" {
		cfg.Encoder = "libx264"
	}
	if cfg.CRF <= 0 {
		cfg.CRF = 23
	}
	if cfg.Preset == "" {
		cfg.Preset = "medium"
	}
	return &FFmpeg{cfg: cfg}
}

// Duration returns the media duration in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	out, err := run(ctx, command{
		op:    "probe",
		name:  f.cfg.Probe,
		args:  []string{"-v", "quiet", "-print_format", "json", "-show_format", path},
		quiet: true,
	})
	if err != nil {
		return 0, err
	}
	return parseProbeDuration([]byte(out))
}

func parseProbeDuration(data []byte) (float64, error) {
	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, failure.New(failure.CodeMalformedOutput, "probe", err)
	}
	if probe.Format.Duration == "" {
		return 0, failure.Newf(failure.CodeInvalidInput, "probe", "no duration in probe output")
	}
	d, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, failure.New(failure.CodeMalformedOutput, "probe", err)
	}
	return d, nil
}

// ExtractAudio writes a mono 16-bit PCM WAV track of videoPath to outputPath.
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath, outputPath string, onProgress orchestrator.ProgressFunc) (string, error) {
	if err := fileops.EnsureDir(filepath.Dir(outputPath)); err != nil {
		return "", failure.New(failure.CodeUnavailable, "extract audio", err)
	}
	duration := f.durationOrZero(ctx, videoPath)

	args := []string{
		"-hide_banner", "-y", "-nostats",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(f.cfg.SampleRate),
		"-ac", "1",
		"-progress", "pipe:1",
		outputPath,
	}

	logger.Infof("🔊 Extracting audio: %s", filepath.Base(videoPath))
	if _, err := run(ctx, command{
		op:       "extract audio",
		name:     f.cfg.Binary,
		args:     args,
		onStdout: progressParser(duration, "Extracting audio", onProgress),
		quiet:    true,
	}); err != nil {
		return "", err
	}

	if err := checkOutput("extract audio", outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

// BurnIn renders subtitlePath into the frames of videoPath.
func (f *FFmpeg) BurnIn(ctx context.Context, videoPath, subtitlePath, outputPath string, style job.SubtitleStyle, preset string, onProgress orchestrator.ProgressFunc) (string, error) {
	if !fileops.Exists(subtitlePath) {
		return "", failure.Newf(failure.CodeNotFound, "burn in", "subtitle file not found: %s", subtitlePath)
	}
	if err := fileops.EnsureDir(filepath.Dir(outputPath)); err != nil {
		return "", failure.New(failure.CodeUnavailable, "burn in", err)
	}
	if preset == "" {
		preset = f.cfg.Preset
	}
	duration := f.durationOrZero(ctx, videoPath)

	args := burnArgs(videoPath, subtitleFilter(subtitlePath, style), outputPath, f.cfg.Encoder, preset, f.cfg.CRF)

	logger.Infof("🔥 Burning subtitles: %s (encoder=%s preset=%s)", filepath.Base(videoPath), f.cfg.Encoder, preset)
	if _, err := run(ctx, command{
		op:       "burn in",
		name:     f.cfg.Binary,
		args:     args,
		onStdout: progressParser(duration, "Burning subtitles", onProgress),
		quiet:    true,
	}); err != nil {
		return "", err
	}

	if err := checkOutput("burn in", outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (f *FFmpeg) durationOrZero(ctx context.Context, path string) float64 {
	d, err := f.Duration(ctx, path)
	if err != nil {
		logger.Debugf("duration of %s unknown, progress disabled: %v", filepath.Base(path), err)
		return 0
	}
	return d
}

func burnArgs(videoPath, filter, outputPath, encoder, preset string, crf int) []string {
	args := []string{
		"-hide_banner", "-y", "-nostats",
		"-i", videoPath,
		"-vf", filter,
		"-c:v", encoder,
	}
	if strings.HasSuffix(encoder, "_nvenc") {
		// NVENC presets are p1..p7 and use constant quality instead of CRF
		if !strings.HasPrefix(preset, "p") {
			preset = "p4"
		}
		args = append(args, "-preset", preset, "-cq", strconv.Itoa(crf))
	} else {
		args = append(args, "-preset", preset, "-crf", strconv.Itoa(crf))
	}
	return append(args, "-c:a", "copy", "-progress", "pipe:1", outputPath)
}

// subtitleFilter builds the -vf filter. ASS files carry their own style;
// other formats get the style forced onto libass.
func subtitleFilter(path string, style job.SubtitleStyle) string {
	escaped := escapeFilterPath(path)
	if strings.EqualFold(filepath.Ext(path), ".ass") {
		return fmt.Sprintf("ass='%s'", escaped)
	}
	return fmt.Sprintf("subtitles='%s':force_style='%s'", escaped, forceStyle(style))
}

func escapeFilterPath(path string) string {
	p := strings.ReplaceAll(path, `\`, "/")
	p = strings.ReplaceAll(p, ":", `\:`)
	return strings.ReplaceAll(p, "'", `\'`)
}

func forceStyle(s job.SubtitleStyle) string {
	parts := []string{
		"FontName=" + s.FontName,
		fmt.Sprintf("FontSize=%d", s.FontSize),
		"PrimaryColour=" + assColor(s.PrimaryColor),
		"OutlineColour=" + assColor(s.OutlineColor),
		"BackColour=" + assColor(s.ShadowColor),
		fmt.Sprintf("Outline=%g", s.OutlineWidth),
		fmt.Sprintf("Shadow=%g", s.ShadowDepth),
		fmt.Sprintf("Alignment=%d", s.Alignment),
		fmt.Sprintf("MarginL=%d", s.MarginLeft),
		fmt.Sprintf("MarginR=%d", s.MarginRight),
		fmt.Sprintf("MarginV=%d", s.MarginVertical),
		fmt.Sprintf("Bold=%d", assBool(s.Bold)),
		fmt.Sprintf("Italic=%d", assBool(s.Italic)),
	}
	return strings.Join(parts, ",")
}

// progressParser turns ffmpeg -progress key=value lines into fractions of
// total seconds. With an unknown total only the end marker is reported.
func progressParser(total float64, label string, onProgress orchestrator.ProgressFunc) func(string) {
	if onProgress == nil {
		return nil
	}
	return func(line string) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			return
		}
		switch key {
		case "out_time_us", "out_time_ms": // both are microseconds
			if total <= 0 {
				return
			}
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || us < 0 {
				return
			}
			fraction := clamp01(float64(us) / 1e6 / total)
			onProgress(fraction, fmt.Sprintf("%s: %.1f%%", label, fraction*100))
		case "progress":
			if value == "end" {
				onProgress(1, label+": done")
			}
		}
	}
}

func checkOutput(op, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return failure.Newf(failure.CodeMalformedOutput, op, "output not created: %s", filepath.Base(path))
	}
	if info.Size() == 0 {
		return failure.Newf(failure.CodeMalformedOutput, op, "output is empty: %s", filepath.Base(path))
	}
	return nil
}
