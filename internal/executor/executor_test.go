package executor

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/job"
)

type progressCall struct {
	fraction float64
	message  string
}

func recordProgress() (*[]progressCall, func(float64, string)) {
	var calls []progressCall
	return &calls, func(f float64, m string) {
		calls = append(calls, progressCall{f, m})
	}
}

func TestParseProbeDuration(t *testing.T) {
	d, err := parseProbeDuration([]byte(`{"format":{"duration":"12.5"}}`))
	if err != nil || d != 12.5 {
		t.Fatalf("got %v, %v", d, err)
	}
	if _, err := parseProbeDuration([]byte(`{"format":{}}`)); failure.CodeOf(err) != failure.CodeInvalidInput {
		t.Errorf("missing duration: got %v", err)
	}
	if _, err := parseProbeDuration([]byte(`not json`)); failure.CodeOf(err) != failure.CodeMalformedOutput {
		t.Errorf("bad json: got %v", err)
	}
}

func TestProgressParser(t *testing.T) {
	calls, fn := recordProgress()
	parse := progressParser(10, "Extracting audio", fn)
	for _, line := range []string{"frame=3", "out_time_us=5000000", "out_time_ms=20000000", "progress=continue", "progress=end"} {
		parse(line)
	}
	want := []float64{0.5, 1, 1}
	if len(*calls) != len(want) {
		t.Fatalf("got %d calls: %+v", len(*calls), *calls)
	}
	for i, c := range *calls {
		if c.fraction != want[i] {
			t.Errorf("call %d fraction = %v, want %v", i, c.fraction, want[i])
		}
	}

	calls, fn = recordProgress()
	unknown := progressParser(0, "Burning", fn)
	unknown("out_time_us=5000000")
	unknown("progress=end")
	if len(*calls) != 1 || (*calls)[0].fraction != 1 {
		t.Errorf("unknown total: got %+v", *calls)
	}

	if progressParser(10, "x", nil) != nil {
		t.Error("nil callback should give nil parser")
	}
}

func TestScriptProgress(t *testing.T) {
	calls, fn := recordProgress()
	parse := scriptProgress("Transcribing", fn)
	parse("loading model...")
	parse("PROGRESS 0.25")
	parse("PROGRESS 0.5 Loading model")
	parse("PROGRESS 7")
	parse("PROGRESS abc")

	want := []progressCall{
		{0.25, "Transcribing: 25%"},
		{0.5, "Loading model"},
		{1, "Transcribing: 100%"},
	}
	if !slices.Equal(*calls, want) {
		t.Errorf("got %+v, want %+v", *calls, want)
	}
}

func TestBurnArgs(t *testing.T) {
	nvenc := burnArgs("in.mp4", "ass='x.ass'", "out.mp4", "h264_nvenc", "medium", 23)
	if !slices.Contains(nvenc, "p4") || !slices.Contains(nvenc, "-cq") {
		t.Errorf("nvenc args = %v", nvenc)
	}
	x264 := burnArgs("in.mp4", "ass='x.ass'", "out.mp4", "libx264", "fast", 20)
	if i := slices.Index(x264, "-crf"); i < 0 || x264[i+1] != "20" {
		t.Errorf("x264 args = %v", x264)
	}
	if x264[len(x264)-1] != "out.mp4" {
		t.Errorf("output must be last: %v", x264)
	}
}

func TestSubtitleFilter(t *testing.T) {
	if got := subtitleFilter("/data/a.ass", job.DefaultStyle()); got != "ass='/data/a.ass'" {
		t.Errorf("ass filter = %q", got)
	}
	got := subtitleFilter(`C:\subs\it's.srt`, job.DefaultStyle())
	if !strings.HasPrefix(got, `subtitles='C\:/subs/it\'s.srt':force_style='FontName=Arial,FontSize=24,`) {
		t.Errorf("srt filter = %q", got)
	}
}

func TestClassifyOutput(t *testing.T) {
	exit := errors.New("exit status 1")
	cases := []struct {
		stderr string
		code   failure.Code
	}{
		{"RuntimeError: CUDA error: out of memory", failure.CodeAcceleratorMemory},
		{"in.mp4: No such file or directory", failure.CodeNotFound},
		{"write error: No space left on device", failure.CodeDiskFull},
		{"Invalid data found when processing input", failure.CodeInvalidInput},
		{"something odd", failure.CodeInternal},
	}
	for _, tc := range cases {
		err := classifyOutput("extract audio", tc.stderr, exit)
		if err.Code != tc.code {
			t.Errorf("%q: code = %s, want %s", tc.stderr, err.Code, tc.code)
		}
		if !errors.Is(err, exit) {
			t.Errorf("%q: cause not wrapped", tc.stderr)
		}
	}
}

func TestParseTranscript(t *testing.T) {
	data := []byte(`{"language":"en","language_probability":0.9,"duration":3,
		"segments":[{"start":0,"end":1,"text":" hi "},{"start":1,"end":2,"text":"  "},{"start":2,"end":1,"text":"bad"}]}`)
	tr, err := parseTranscript(data)
	if err != nil {
		t.Fatalf("parseTranscript failed: %v", err)
	}
	if tr.Language != "en" || tr.LanguageConfidence != 0.9 {
		t.Errorf("language = %s (%v)", tr.Language, tr.LanguageConfidence)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "hi" {
		t.Errorf("segments = %+v", tr.Segments)
	}
}

func TestParseTurns(t *testing.T) {
	out := "PROGRESS 0.5\n[{\"start\":0,\"end\":1.5,\"speaker\":\"SPEAKER_00\"},{\"start\":1.5,\"end\":3,\"speaker\":\"SPEAKER_01\"}]\n"
	turns, err := parseTurns(out)
	if err != nil {
		t.Fatalf("parseTurns failed: %v", err)
	}
	if len(turns) != 2 || turns[1].Speaker != "SPEAKER_01" || countSpeakers(turns) != 2 {
		t.Errorf("turns = %+v", turns)
	}
	if _, err := parseTurns("PROGRESS 1\n"); failure.CodeOf(err) != failure.CodeMalformedOutput {
		t.Errorf("no turns: got %v", err)
	}
}

func TestHTTPFailure(t *testing.T) {
	cases := map[int]failure.Code{
		400: failure.CodeInvalidInput,
		404: failure.CodeModelMissing,
		429: failure.CodeResourceBusy,
		503: failure.CodeUnavailable,
		504: failure.CodeTimeout,
		401: failure.CodeInternal,
	}
	for status, code := range cases {
		if got := httpFailure("translate", status, "", "body").Code; got != code {
			t.Errorf("%d: code = %s, want %s", status, got, code)
		}
	}
}
