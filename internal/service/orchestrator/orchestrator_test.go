package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/modelcache"
	"github.com/fusionn-autosub/internal/segment"
)

type fakeJobs struct {
	job *job.Job
	err error
}

func (f *fakeJobs) GetJob(context.Context, string) (*job.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.job.Clone(), nil
}

type report struct {
	step    job.StepName
	percent float64
	message string
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
}

func (f *fakeReporter) Report(_ context.Context, _ *job.Job, step job.Step, percent float64, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{step: step.Name, percent: percent, message: message})
}

type fakeModels struct{}

func (fakeModels) Get(_ context.Context, kind modelcache.Kind, name string) (modelcache.Model, error) {
	return modelcache.Model{Kind: kind, Name: name, Path: name}, nil
}

// fakePipeline implements every collaborator and records the call order.
type fakePipeline struct {
	calls       []string
	transcript  segment.Transcript
	turns       []segment.Turn
	transcribeE error
	translated  []segment.Segment
	lastStyle   job.SubtitleStyle
	burnSource  string
}

func (f *fakePipeline) ExtractAudio(_ context.Context, _, outputPath string, onProgress ProgressFunc) (string, error) {
	f.calls = append(f.calls, "extract")
	onProgress(0.5, "halfway")
	onProgress(0.25, "ffmpeg went backwards")
	if err := os.WriteFile(outputPath, []byte("wav"), 0o644); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (f *fakePipeline) Transcribe(_ context.Context, _ string, model modelcache.Model, _ string, onProgress ProgressFunc) (segment.Transcript, error) {
	f.calls = append(f.calls, "transcribe:"+model.Name)
	if f.transcribeE != nil {
		return segment.Transcript{}, f.transcribeE
	}
	onProgress(1, "done")
	return f.transcript, nil
}

func (f *fakePipeline) Diarize(_ context.Context, _ string, _ modelcache.Model, _ ProgressFunc) ([]segment.Turn, error) {
	f.calls = append(f.calls, "diarize")
	return f.turns, nil
}

func (f *fakePipeline) Translate(_ context.Context, segs []segment.Segment, source, target, _ string, _ ProgressFunc) ([]segment.Segment, error) {
	f.calls = append(f.calls, "translate:"+source+">"+target)
	if f.translated != nil {
		return f.translated, nil
	}
	out := make([]segment.Segment, len(segs))
	for i, s := range segs {
		s.Translation = "[" + target + "] " + s.Text
		out[i] = s
	}
	return out, nil
}

func (f *fakePipeline) Generate(_ context.Context, _ []segment.Segment, format string, style job.SubtitleStyle, _ bool, outputPath string) (string, error) {
	f.calls = append(f.calls, "generate:"+format)
	f.lastStyle = style
	return outputPath, nil
}

func (f *fakePipeline) BurnIn(_ context.Context, _, subtitlePath, outputPath string, _ job.SubtitleStyle, _ string, onProgress ProgressFunc) (string, error) {
	f.calls = append(f.calls, "burn")
	f.burnSource = subtitlePath
	onProgress(1, "done")
	return outputPath, nil
}

type fixture struct {
	orch     *Orchestrator
	pipe     *fakePipeline
	reporter *fakeReporter
	jobs     *fakeJobs
	job      *job.Job
	paths    Paths
}

func newFixture(t *testing.T, cfg job.Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "episode.mkv")
	if err := os.WriteFile(input, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg.InputPath == "" {
		cfg.InputPath = input
	}

	j, err := job.New("job-1", cfg, time.Now())
	if err != nil {
		t.Fatalf("job.New failed: %v", err)
	}
	if err := job.Apply(j, job.EventStart, job.Outcome{}, time.Now()); err != nil {
		t.Fatal(err)
	}

	paths := Paths{
		Temp:      dir,
		Subtitles: filepath.Join(dir, "subs"),
		Videos:    filepath.Join(dir, "videos"),
	}
	pipe := &fakePipeline{
		transcript: segment.Transcript{
			Language:           "ja",
			LanguageConfidence: 0.97,
			Duration:           12,
			Segments: []segment.Segment{
				{Start: 0, End: 2, Text: "konnichiwa"},
				{Start: 2, End: 5, Text: "genki desu ka"},
			},
		},
	}
	reporter := &fakeReporter{}
	jobs := &fakeJobs{job: j}
	deps := Collaborators{
		Extractor:   pipe,
		Transcriber: pipe,
		Diarizer:    pipe,
		Translator:  pipe,
		Writer:      pipe,
		BurnIner:    pipe,
	}
	return &fixture{
		orch:     New(deps, fakeModels{}, jobs, reporter, Options{Paths: paths, DiarizeModel: "pyannote"}),
		pipe:     pipe,
		reporter: reporter,
		jobs:     jobs,
		job:      j,
		paths:    paths,
	}
}

func TestRunExecutesPlanInOrder(t *testing.T) {
	f := newFixture(t, job.Config{
		TargetLanguage:    "en",
		OutputFormats:     []string{"srt", "ass"},
		EnableDiarization: true,
		BurnIn:            true,
	})
	f.pipe.turns = []segment.Turn{{Start: 0, End: 5, Speaker: "SPEAKER_07"}}

	results, err := f.orch.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"extract", "transcribe:large-v3-turbo", "diarize", "translate:ja>en", "generate:srt", "generate:ass", "burn"}
	if strings.Join(f.pipe.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v, want %v", f.pipe.calls, want)
	}

	if len(results.SubtitlePaths) != 2 || results.SubtitlePaths[0] != filepath.Join(f.paths.Subtitles, "episode.en.srt") {
		t.Fatalf("unexpected subtitle paths: %v", results.SubtitlePaths)
	}
	if f.pipe.burnSource != results.SubtitlePaths[1] {
		t.Fatalf("expected the ASS file to be burned, got %s", f.pipe.burnSource)
	}
	if results.VideoPath != filepath.Join(f.paths.Videos, "episode_subbed.mkv") {
		t.Fatalf("unexpected video path %q", results.VideoPath)
	}
	if results.DetectedLanguage != "ja" || results.SegmentCount != 2 || results.LanguageConfidence != 0.97 {
		t.Fatalf("unexpected results: %+v", results)
	}
	if f.pipe.lastStyle.FontName != "Arial" {
		t.Fatalf("expected default style, got %+v", f.pipe.lastStyle)
	}

	entries, _ := filepath.Glob(filepath.Join(f.paths.Temp, "*_audio.wav"))
	if len(entries) != 0 {
		t.Fatalf("temp audio not cleaned up: %v", entries)
	}
}

func TestRunProgressIsMonotonicAndBelowHundred(t *testing.T) {
	f := newFixture(t, job.Config{TargetLanguage: "en"})
	if _, err := f.orch.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	f.reporter.mu.Lock()
	defer f.reporter.mu.Unlock()
	if len(f.reporter.reports) == 0 {
		t.Fatal("expected progress reports")
	}
	last := -1.0
	for _, r := range f.reporter.reports {
		if r.percent < last {
			t.Fatalf("progress regressed from %f to %f at %s", last, r.percent, r.step)
		}
		if r.percent >= 100 {
			t.Fatalf("progress reached %f before completion", r.percent)
		}
		last = r.percent
	}

	// 4 steps: extract reports 0.5 -> 12.5%, the later 0.25 must not lower it.
	if f.reporter.reports[1].percent != 12.5 || f.reporter.reports[2].percent != 12.5 {
		t.Fatalf("unexpected extract progress: %+v", f.reporter.reports[:3])
	}
}

func TestRunStopsWhenJobWasCancelled(t *testing.T) {
	f := newFixture(t, job.Config{})
	if err := job.Apply(f.jobs.job, job.EventCancel, job.Outcome{}, time.Now()); err != nil {
		t.Fatal(err)
	}

	_, err := f.orch.Run(context.Background(), f.job)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if len(f.pipe.calls) != 0 {
		t.Fatalf("no step should run, got %v", f.pipe.calls)
	}
}

func TestRunStopsOnStaleRun(t *testing.T) {
	f := newFixture(t, job.Config{})
	stale := f.job.Clone()
	stale.Run = 0

	if _, err := f.orch.Run(context.Background(), stale); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled for a stale run, got %v", err)
	}
}

func TestRunWrapsStepFailure(t *testing.T) {
	f := newFixture(t, job.Config{})
	f.pipe.transcribeE = failure.New(failure.CodeAcceleratorMemory, "transcribe", errors.New("CUDA out of memory"))

	_, err := f.orch.Run(context.Background(), f.job)
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if stepErr.Step != job.StepTranscribe {
		t.Fatalf("expected transcribe step, got %s", stepErr.Step)
	}
	if !failure.IsRetryable(err) {
		t.Fatal("accelerator memory errors should be retryable")
	}
	if strings.Contains(strings.Join(f.pipe.calls, ","), "generate") {
		t.Fatal("no later step should run after a failure")
	}
}

func TestRunMissingInputIsPermanent(t *testing.T) {
	f := newFixture(t, job.Config{InputPath: "/does/not/exist.mp4"})

	_, err := f.orch.Run(context.Background(), f.job)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != job.StepExtractAudio {
		t.Fatalf("expected extract_audio failure, got %v", err)
	}
	if failure.CodeOf(err) != failure.CodeNotFound || failure.IsRetryable(err) {
		t.Fatalf("expected permanent not_found, got %v", err)
	}
}

func TestRunSkipsTranslationForMatchingDetectedLanguage(t *testing.T) {
	f := newFixture(t, job.Config{TargetLanguage: "ja"}) // auto source -> translate step planned
	if !f.job.Plan.Has(job.StepTranslate) {
		t.Fatal("expected translate step in plan")
	}

	results, err := f.orch.Run(context.Background(), f.job)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for _, c := range f.pipe.calls {
		if strings.HasPrefix(c, "translate") {
			t.Fatal("translator must not be called when the detected language is the target")
		}
	}
	if results.SubtitlePaths[0] != filepath.Join(f.paths.Subtitles, "episode.ja.srt") {
		t.Fatalf("unexpected subtitle path %s", results.SubtitlePaths[0])
	}

	sawTranslate := false
	for _, r := range f.reporter.reports {
		if r.step == job.StepTranslate {
			sawTranslate = true
		}
	}
	if !sawTranslate {
		t.Fatal("the translate step should still report progress")
	}
}

func TestRunTranslatesDetectedChineseToTraditional(t *testing.T) {
	f := newFixture(t, job.Config{TargetLanguage: "zh-Hant"})
	f.pipe.transcript.Language = "zh"

	if _, err := f.orch.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !slices.Contains(f.pipe.calls, "translate:zh>zh-Hant") {
		t.Fatalf("expected a zh -> zh-Hant translation, calls = %v", f.pipe.calls)
	}
}

func TestRunRejectsShortTranslation(t *testing.T) {
	f := newFixture(t, job.Config{TargetLanguage: "en"})
	f.pipe.translated = []segment.Segment{{Text: "only one"}}

	_, err := f.orch.Run(context.Background(), f.job)
	if failure.CodeOf(err) != failure.CodeMalformedOutput {
		t.Fatalf("expected malformed_output, got %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		250 * time.Millisecond:        "250ms",
		1500 * time.Millisecond:       "1.5s",
		3*time.Minute + 4*time.Second: "3m4s",
		2*time.Hour + 5*time.Minute:   "2h5m",
	}
	for d, want := range cases {
		if got := FormatDuration(d); got != want {
			t.Fatalf("FormatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
