package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/fileops"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/langs"
	"github.com/fusionn-autosub/internal/modelcache"
	"github.com/fusionn-autosub/internal/segment"
	"github.com/fusionn-autosub/pkg/logger"
)

// ErrCancelled is returned when the job is no longer ours to run.
var ErrCancelled = errors.New("job cancelled")

// StepError reports which step of a run failed.
type StepError struct {
	Step job.StepName
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Paths are the directories a run writes to.
type Paths struct {
	Temp      string
	Subtitles string
	Videos    string
}

// Options configures an Orchestrator.
type Options struct {
	Paths        Paths
	DiarizeModel string
}

// Orchestrator executes the step plan of one job run.
type Orchestrator struct {
	deps     Collaborators
	models   ModelResolver
	jobs     JobReader
	reporter Reporter
	opts     Options
}

// New creates an orchestrator.
func New(deps Collaborators, models ModelResolver, jobs JobReader, reporter Reporter, opts Options) *Orchestrator {
	return &Orchestrator{
		deps:     deps,
		models:   models,
		jobs:     jobs,
		reporter: reporter,
		opts:     opts,
	}
}

// stepTimer tracks timing for a processing step.
type stepTimer struct {
	name  string
	start time.Time
}

func startStep(name string) *stepTimer {
	return &stepTimer{name: name, start: time.Now()}
}

func (s *stepTimer) done() time.Duration {
	elapsed := time.Since(s.start)
	logger.Infof("   ⏱️  %s: %v", s.name, FormatDuration(elapsed))
	return elapsed
}

// FormatDuration formats duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

// run holds the intermediate outputs passed from step to step.
type run struct {
	job        *job.Job
	inputPath  string
	baseName   string
	audioPath  string
	transcript segment.Transcript
	segments   []segment.Segment
	translated bool
	subtitles  []string
	videoPath  string

	lastPercent float64
	durations   map[job.StepName]time.Duration
}

// Run executes every step of j's plan in order. It first re-reads the job and
// returns ErrCancelled if the job is no longer PROCESSING for this run. On
// failure the returned error is a *StepError and nothing is committed.
func (o *Orchestrator) Run(ctx context.Context, j *job.Job) (*job.Results, error) {
	cur, err := o.jobs.GetJob(ctx, j.ID)
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	if cur.Status != job.StatusProcessing || cur.Run != j.Run {
		return nil, ErrCancelled
	}

	log := logger.ForJob(j.ID, j.Run)
	totalStart := time.Now()

	log.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Infof("🎬 Starting job: %s (%d steps)", filepath.Base(cur.Config.InputPath), cur.Plan.Total())
	log.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	r := &run{
		job:       cur,
		inputPath: cur.Config.InputPath,
		baseName:  fileops.Stem(cur.Config.InputPath),
		durations: make(map[job.StepName]time.Duration),
	}
	defer o.cleanup(r)

	for _, step := range cur.Plan {
		if err := ctx.Err(); err != nil {
			return nil, &StepError{Step: step.Name, Err: err}
		}

		log.Infof("▶️  Step %d/%d: %s", step.Index+1, cur.Plan.Total(), step.Name.Label())
		o.report(ctx, r, step, 0, step.Name.Label()+"...")
		t := startStep(step.Name.Label())

		if err := o.runStep(ctx, r, step); err != nil {
			log.With("step", step.Name).Errorf("❌ %s failed: %v", step.Name, err)
			return nil, &StepError{Step: step.Name, Err: err}
		}
		r.durations[step.Name] = t.done()
	}

	results := &job.Results{
		SubtitlePaths:      r.subtitles,
		VideoPath:          r.videoPath,
		DetectedLanguage:   r.transcript.Language,
		LanguageConfidence: r.transcript.LanguageConfidence,
		SegmentCount:       len(r.segments),
		MediaDuration:      r.transcript.Duration,
	}

	log.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Infof("✅ Job finished: %s", filepath.Base(r.inputPath))
	log.Infof("⏱️  Total time: %s", FormatDuration(time.Since(totalStart)))
	log.Infof("   Transcription: %s | Translation: %s",
		FormatDuration(r.durations[job.StepTranscribe]),
		FormatDuration(r.durations[job.StepTranslate]))
	log.Infof("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return results, nil
}

func (o *Orchestrator) runStep(ctx context.Context, r *run, step job.Step) error {
	onProgress := func(fraction float64, message string) {
		o.report(ctx, r, step, fraction, message)
	}
	cfg := r.job.Config

	switch step.Name {
	case job.StepExtractAudio:
		if _, err := os.Stat(r.inputPath); err != nil {
			if os.IsNotExist(err) {
				return failure.Newf(failure.CodeNotFound, "extract audio", "input file not found: %s", r.inputPath)
			}
			return failure.New(failure.CodeUnavailable, "extract audio", err)
		}
		out := filepath.Join(o.opts.Paths.Temp, fmt.Sprintf("%s_%d_audio.wav", r.job.ID, r.job.Run))
		audio, err := o.deps.Extractor.ExtractAudio(ctx, r.inputPath, out, onProgress)
		if err != nil {
			return err
		}
		r.audioPath = audio

	case job.StepTranscribe:
		model, err := o.models.Get(ctx, modelcache.KindWhisper, cfg.WhisperModel)
		if err != nil {
			return err
		}
		transcript, err := o.deps.Transcriber.Transcribe(ctx, r.audioPath, model, cfg.SourceLanguage, onProgress)
		if err != nil {
			return err
		}
		if transcript.Language == "" {
			transcript.Language = cfg.SourceLanguage
		}
		transcript.Language = langs.Normalize(transcript.Language)
		r.transcript = transcript
		r.segments = transcript.Segments
		o.report(ctx, r, step, 1, fmt.Sprintf("Transcribed %d segments (%s)", len(r.segments), langs.DisplayName(transcript.Language)))

	case job.StepDiarize:
		model, err := o.models.Get(ctx, modelcache.KindDiarize, o.opts.DiarizeModel)
		if err != nil {
			return err
		}
		turns, err := o.deps.Diarizer.Diarize(ctx, r.audioPath, model, onProgress)
		if err != nil {
			return err
		}
		r.segments = segment.AssignSpeakers(r.segments, turns)

	case job.StepTranslate:
		source := r.transcript.Language
		if langs.Same(source, cfg.TargetLanguage) {
			o.report(ctx, r, step, 1, "Already in "+langs.DisplayName(cfg.TargetLanguage)+", skipping translation")
			return nil
		}
		translated, err := o.deps.Translator.Translate(ctx, r.segments, source, cfg.TargetLanguage, cfg.TranslationModel, onProgress)
		if err != nil {
			return err
		}
		if len(translated) != len(r.segments) {
			return failure.Newf(failure.CodeMalformedOutput, "translate", "got %d segments back, sent %d", len(translated), len(r.segments))
		}
		r.segments = translated
		r.translated = true

	case job.StepGenerateSubtitles:
		style := cfg.EffectiveStyle()
		lang := r.transcript.Language
		if r.translated {
			lang = cfg.TargetLanguage
		}
		formats := cfg.OutputFormats
		for i, format := range formats {
			out := filepath.Join(o.opts.Paths.Subtitles, fileops.SubtitleName(r.baseName, lang, format))
			path, err := o.deps.Writer.Generate(ctx, r.segments, format, style, r.translated, out)
			if err != nil {
				return err
			}
			r.subtitles = append(r.subtitles, path)
			onProgress(float64(i+1)/float64(len(formats)), fmt.Sprintf("Generated %s", filepath.Base(path)))
		}

	case job.StepBurnIn:
		if len(r.subtitles) == 0 {
			return failure.Newf(failure.CodeInternal, "burn in", "no subtitle file to burn")
		}
		ext := filepath.Ext(r.inputPath)
		out := filepath.Join(o.opts.Paths.Videos, r.baseName+"_subbed"+ext)
		video, err := o.deps.BurnIner.BurnIn(ctx, r.inputPath, burnSource(r.subtitles), out, cfg.EffectiveStyle(), cfg.VideoPreset, onProgress)
		if err != nil {
			return err
		}
		r.videoPath = video

	default:
		return failure.Newf(failure.CodeInternal, "run step", "unknown step %q", step.Name)
	}
	return nil
}

// burnSource prefers an ASS file so the configured style survives burn-in.
func burnSource(paths []string) string {
	for _, p := range paths {
		if strings.EqualFold(filepath.Ext(p), ".ass") {
			return p
		}
	}
	return paths[0]
}

// report maps a step fraction onto the overall percentage, keeping it
// monotonic within the run.
func (o *Orchestrator) report(ctx context.Context, r *run, step job.Step, fraction float64, message string) {
	pct := r.job.Plan.Percent(step.Index, fraction)
	if pct < r.lastPercent {
		pct = r.lastPercent
	}
	if pct > job.MaxRunningPercent {
		pct = job.MaxRunningPercent
	}
	r.lastPercent = pct
	if o.reporter != nil {
		o.reporter.Report(ctx, r.job, step, pct, message)
	}
}

func (o *Orchestrator) cleanup(r *run) {
	if r.audioPath == "" {
		return
	}
	if err := os.Remove(r.audioPath); err != nil && !os.IsNotExist(err) {
		logger.Warnf("⚠️ Failed to remove temp audio %s: %v", r.audioPath, err)
	}
}
