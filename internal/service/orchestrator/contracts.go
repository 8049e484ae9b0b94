package orchestrator

import (
	"context"

	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/modelcache"
	"github.com/fusionn-autosub/internal/segment"
)

// ProgressFunc receives a step-internal fraction in [0,1] and a short message.
type ProgressFunc func(fraction float64, message string)

// AudioExtractor pulls a mono speech track out of a video.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, videoPath, outputPath string, onProgress ProgressFunc) (string, error)
}

// Transcriber turns speech into timed segments. An empty language hint means
// detect the language.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string, model modelcache.Model, languageHint string, onProgress ProgressFunc) (segment.Transcript, error)
}

// Diarizer finds who speaks when.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath string, model modelcache.Model, onProgress ProgressFunc) ([]segment.Turn, error)
}

// Translator fills Segment.Translation.
type Translator interface {
	Translate(ctx context.Context, segments []segment.Segment, sourceLang, targetLang, model string, onProgress ProgressFunc) ([]segment.Segment, error)
}

// SubtitleWriter renders segments into a subtitle file.
type SubtitleWriter interface {
	Generate(ctx context.Context, segments []segment.Segment, format string, style job.SubtitleStyle, useTranslation bool, outputPath string) (string, error)
}

// BurnIner renders subtitles into the video frames.
type BurnIner interface {
	BurnIn(ctx context.Context, videoPath, subtitlePath, outputPath string, style job.SubtitleStyle, preset string, onProgress ProgressFunc) (string, error)
}

// ModelResolver hands out model handles, typically backed by modelcache.Cache.
type ModelResolver interface {
	Get(ctx context.Context, kind modelcache.Kind, name string) (modelcache.Model, error)
}

// JobReader reads the authoritative job record.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*job.Job, error)
}

// Reporter receives every progress update of a run. Implementations must not
// block and must not fail the run.
type Reporter interface {
	Report(ctx context.Context, j *job.Job, step job.Step, percent float64, message string)
}

// Collaborators bundles the external processors a run needs.
type Collaborators struct {
	Extractor   AudioExtractor
	Transcriber Transcriber
	Diarizer    Diarizer
	Translator  Translator
	Writer      SubtitleWriter
	BurnIner    BurnIner
}
