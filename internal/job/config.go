package job

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fusionn-autosub/internal/langs"
)

// ErrInvalidConfig is returned when a job configuration cannot be run.
var ErrInvalidConfig = errors.New("invalid job config")

// Subtitle output formats.
const (
	FormatSRT = "srt"
	FormatVTT = "vtt"
	FormatASS = "ass"
)

var validFormats = map[string]bool{
	FormatSRT: true,
	FormatVTT: true,
	FormatASS: true,
}

const defaultWhisperModel = "large-v3-turbo"

// SubtitleStyle controls rendering of ASS subtitles and burned-in text.
type SubtitleStyle struct {
	FontName       string  `json:"font_name" mapstructure:"font_name"`
	FontSize       int     `json:"font_size" mapstructure:"font_size"`
	PrimaryColor   string  `json:"primary_color" mapstructure:"primary_color"`
	OutlineColor   string  `json:"outline_color" mapstructure:"outline_color"`
	ShadowColor    string  `json:"shadow_color" mapstructure:"shadow_color"`
	OutlineWidth   float64 `json:"outline_width" mapstructure:"outline_width"`
	ShadowDepth    float64 `json:"shadow_depth" mapstructure:"shadow_depth"`
	Alignment      int     `json:"alignment" mapstructure:"alignment"` // numpad layout, 2 = bottom centre
	MarginLeft     int     `json:"margin_left" mapstructure:"margin_left"`
	MarginRight    int     `json:"margin_right" mapstructure:"margin_right"`
	MarginVertical int     `json:"margin_vertical" mapstructure:"margin_vertical"`
	Bold           bool    `json:"bold" mapstructure:"bold"`
	Italic         bool    `json:"italic" mapstructure:"italic"`
	MaxLineLength  int     `json:"max_line_length" mapstructure:"max_line_length"`
	MaxLines       int     `json:"max_lines" mapstructure:"max_lines"`
}

// DefaultStyle returns the house subtitle style.
func DefaultStyle() SubtitleStyle {
	return SubtitleStyle{
		FontName:       "Arial",
		FontSize:       24,
		PrimaryColor:   "#FFFFFF",
		OutlineColor:   "#000000",
		ShadowColor:    "#000000",
		OutlineWidth:   2,
		ShadowDepth:    1,
		Alignment:      2,
		MarginLeft:     10,
		MarginRight:    10,
		MarginVertical: 30,
		MaxLineLength:  42,
		MaxLines:       2,
	}
}

// Config is the immutable snapshot of what a job should produce.
type Config struct {
	InputPath         string         `json:"input_path"`
	SourceLanguage    string         `json:"source_language,omitempty"` // empty = auto-detect
	TargetLanguage    string         `json:"target_language,omitempty"`
	OutputFormats     []string       `json:"output_formats"`
	EnableDiarization bool           `json:"enable_diarization"`
	BurnIn            bool           `json:"burn_in"`
	WhisperModel      string         `json:"whisper_model"`
	TranslationModel  string         `json:"translation_model,omitempty"`
	Style             *SubtitleStyle `json:"style,omitempty"`
	VideoPreset       string         `json:"video_preset,omitempty"`
	Priority          int            `json:"priority"`
}

// NeedsTranslation reports whether a translation step belongs in the plan.
// An unknown source language counts as different from the target.
func (c Config) NeedsTranslation() bool {
	if strings.TrimSpace(c.TargetLanguage) == "" {
		return false
	}
	return !langs.Same(c.SourceLanguage, c.TargetLanguage)
}

// EffectiveStyle returns the configured style or the default one.
func (c Config) EffectiveStyle() SubtitleStyle {
	if c.Style == nil {
		return DefaultStyle()
	}
	return *c.Style
}

// Validate checks the fields the pipeline relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.InputPath) == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidConfig)
	}
	if len(c.OutputFormats) == 0 {
		return fmt.Errorf("%w: at least one output format is required", ErrInvalidConfig)
	}
	for _, format := range c.OutputFormats {
		if !validFormats[format] {
			return fmt.Errorf("%w: unsupported output format %q", ErrInvalidConfig, format)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	c = c.clone()
	if len(c.OutputFormats) == 0 {
		c.OutputFormats = []string{FormatSRT}
	}
	for i, format := range c.OutputFormats {
		c.OutputFormats[i] = strings.ToLower(strings.TrimSpace(format))
	}
	if c.WhisperModel == "" {
		c.WhisperModel = defaultWhisperModel
	}
	c.SourceLanguage = langs.Normalize(c.SourceLanguage)
	c.TargetLanguage = langs.Normalize(c.TargetLanguage)
	return c
}

func (c Config) clone() Config {
	c.OutputFormats = append([]string(nil), c.OutputFormats...)
	if c.Style != nil {
		s := *c.Style
		c.Style = &s
	}
	return c
}
