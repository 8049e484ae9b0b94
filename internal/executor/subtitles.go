package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/fileops"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/segment"
	"github.com/fusionn-autosub/pkg/logger"
)

// speakerColors are assigned to "Speaker N" styles in ASS output.
var speakerColors = []string{
	"#FFFFFF", "#00FFFF", "#FF69B4", "#7FFF00",
	"#FFD700", "#FF6347", "#40E0D0", "#EE82EE",
}

// SubtitleWriter renders segments into SRT, WebVTT or ASS files.
type SubtitleWriter struct{}

// NewSubtitleWriter creates a new SubtitleWriter.
func NewSubtitleWriter() *SubtitleWriter {
	return &SubtitleWriter{}
}

// Generate writes segments to outputPath in format and returns the path.
func (w *SubtitleWriter) Generate(ctx context.Context, segments []segment.Segment, format string, style job.SubtitleStyle, useTranslation bool, outputPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var data string
	switch strings.ToLower(format) {
	case job.FormatSRT:
		data = renderSRT(segments, style, useTranslation)
	case job.FormatVTT:
		data = renderVTT(segments, style, useTranslation)
	case job.FormatASS:
		data = renderASS(segments, style, useTranslation)
	default:
		return "", failure.Newf(failure.CodeUnsupportedFormat, "generate subtitles", "unknown subtitle format %q", format)
	}

	if err := fileops.WriteAtomic(outputPath, []byte(data)); err != nil {
		return "", failure.New(failure.CodeUnavailable, "generate subtitles", err)
	}
	logger.Infof("📝 Subtitle written: %s (%d segments)", filepath.Base(outputPath), len(segments))
	return outputPath, nil
}

// cueText returns the wrapped text of a cue, prefixed with the speaker label
// for formats without per-speaker styles.
func cueText(s segment.Segment, style job.SubtitleStyle, useTranslation, labelSpeaker bool) string {
	text := wrapText(strings.TrimSpace(s.DisplayText(useTranslation)), style.MaxLineLength, style.MaxLines)
	if labelSpeaker && s.Speaker != "" {
		text = fmt.Sprintf("[%s]: %s", s.Speaker, text)
	}
	return text
}

func renderSRT(segments []segment.Segment, style job.SubtitleStyle, useTranslation bool) string {
	var b strings.Builder
	for i, s := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1,
			timestamp(s.Start, ","),
			timestamp(s.End, ","),
			cueText(s, style, useTranslation, true))
	}
	return b.String()
}

func renderVTT(segments []segment.Segment, style job.SubtitleStyle, useTranslation bool) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	escaper := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	for _, s := range segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			timestamp(s.Start, "."),
			timestamp(s.End, "."),
			escaper.Replace(cueText(s, style, useTranslation, true)))
	}
	return b.String()
}

const assStyleFormat = "Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, " +
	"Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, " +
	"Alignment, MarginL, MarginR, MarginV, Encoding"

func renderASS(segments []segment.Segment, style job.SubtitleStyle, useTranslation bool) string {
	var b strings.Builder
	b.WriteString("[Script Info]\n")
	b.WriteString("ScriptType: v4.00+\n")
	b.WriteString("PlayResX: 1920\n")
	b.WriteString("PlayResY: 1080\n")
	b.WriteString("ScaledBorderAndShadow: yes\n")
	b.WriteString("WrapStyle: 2\n\n")

	b.WriteString("[V4+ Styles]\n")
	b.WriteString(assStyleFormat + "\n")
	b.WriteString(assStyle("Default", style, style.PrimaryColor))

	styles := map[string]string{}
	for _, s := range segments {
		if s.Speaker == "" || styles[s.Speaker] != "" {
			continue
		}
		name := "Speaker_" + strings.ReplaceAll(strings.TrimPrefix(s.Speaker, "Speaker "), " ", "_")
		styles[s.Speaker] = name
		b.WriteString(assStyle(name, style, speakerColor(s.Speaker)))
	}

	b.WriteString("\n[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, s := range segments {
		styleName := "Default"
		if name, ok := styles[s.Speaker]; ok {
			styleName = name
		}
		text := strings.ReplaceAll(cueText(s, style, useTranslation, false), "\n", `\N`)
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,%s,%s,0,0,0,,%s\n",
			assTimestamp(s.Start), assTimestamp(s.End), styleName, s.Speaker, text)
	}
	return b.String()
}

func assStyle(name string, s job.SubtitleStyle, primary string) string {
	return fmt.Sprintf("Style: %s,%s,%d,%s,%s,%s,%s,%d,%d,0,0,100,100,0,0,1,%g,%g,%d,%d,%d,%d,1\n",
		name, s.FontName, s.FontSize,
		assColor(primary), assColor(primary), assColor(s.OutlineColor), assColor(s.ShadowColor),
		assBool(s.Bold), assBool(s.Italic),
		s.OutlineWidth, s.ShadowDepth,
		s.Alignment, s.MarginLeft, s.MarginRight, s.MarginVertical)
}

// speakerColor picks a palette colour from the number in "Speaker N".
func speakerColor(speaker string) string {
	fields := strings.Fields(speaker)
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil && n > 0 {
			return speakerColors[(n-1)%len(speakerColors)]
		}
	}
	sum := 0
	for _, r := range speaker {
		sum += int(r)
	}
	return speakerColors[sum%len(speakerColors)]
}

// assColor converts #RRGGBB to the ASS &HAABBGGRR form.
func assColor(hex string) string {
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	if len(h) != 6 {
		return "&H00FFFFFF"
	}
	if _, err := strconv.ParseUint(h, 16, 32); err != nil {
		return "&H00FFFFFF"
	}
	h = strings.ToUpper(h)
	return "&H00" + h[4:6] + h[2:4] + h[0:2]
}

func assBool(v bool) int {
	if v {
		return -1
	}
	return 0
}

// timestamp formats seconds as HH:MM:SS<sep>mmm.
func timestamp(seconds float64, sep string) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds*1000 + 0.5)
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, sep, ms%1000)
}

// assTimestamp formats seconds as H:MM:SS.cc.
func assTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	cs := int64(seconds*100 + 0.5)
	h := cs / 360_000
	m := cs / 6000 % 60
	s := cs / 100 % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}

// wrapText breaks text into at most maxLines lines of maxLength characters.
// Words that do not fit on the last allowed line stay on it.
func wrapText(text string, maxLength, maxLines int) string {
	if maxLength <= 0 || utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	if maxLines <= 0 {
		maxLines = 1
	}

	words := strings.Fields(text)
	var lines []string
	current := ""
	for i, word := range words {
		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if utf8.RuneCountInString(candidate) <= maxLength {
			current = candidate
			continue
		}
		if current != "" {
			lines = append(lines, current)
		}
		if len(lines) >= maxLines-1 {
			lines = append(lines, strings.Join(words[i:], " "))
			return strings.Join(lines[:min(len(lines), maxLines)], "\n")
		}
		current = word
	}
	if current != "" {
		lines = append(lines, current)
	}
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return strings.Join(lines, "\n")
}
