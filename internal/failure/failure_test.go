package failure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestClassifyUntaggedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"connection timed out", errors.New("connection timed out"), Transient},
		{"unsupported codec", errors.New("unsupported codec"), Permanent},
		{"refused", errors.New("dial tcp 127.0.0.1:11434: connect: Connection Refused"), Transient},
		{"cuda oom", errors.New("CUDA out of memory. Tried to allocate 2.00 GiB"), Transient},
		{"disk", errors.New("write /tmp/a.wav: no space left on device"), Transient},
		{"pipe", errors.New("write |1: broken pipe"), Transient},
		{"missing file", fmt.Errorf("open input: %w", os.ErrNotExist), Permanent},
		{"deadline", fmt.Errorf("transcribe: %w", context.DeadlineExceeded), Transient},
		{"plain", errors.New("exit status 1"), Permanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%q) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyTaggedErrorWinsOverMessage(t *testing.T) {
	// The cause mentions a timeout but the collaborator knows better.
	err := New(CodeMalformedOutput, "translate", errors.New("timeout field missing in response"))
	if Classify(err) != Permanent {
		t.Fatal("expected tagged permanent error to stay permanent")
	}

	wrapped := fmt.Errorf("step failed: %w", New(CodeAcceleratorMemory, "transcribe", nil))
	if Classify(wrapped) != Transient {
		t.Fatal("expected wrapped accelerator memory error to be transient")
	}
	if !IsRetryable(wrapped) {
		t.Fatal("expected wrapped transient error to be retryable")
	}
}

func TestIsRetryableNil(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
}

func TestUserMessageDoesNotLeakCause(t *testing.T) {
	secret := "/data/videos/private/interview.mp4"
	errs := []error{
		New(CodeNotFound, "extract_audio", fmt.Errorf("open %s: no such file", secret)),
		fmt.Errorf("ffmpeg failed on %s", secret),
		fmt.Errorf("ollama at %s: connection refused", secret),
	}

	for _, err := range errs {
		msg := UserMessage(err)
		if msg == "" {
			t.Fatalf("empty user message for %v", err)
		}
		if strings.Contains(msg, secret) {
			t.Fatalf("user message leaks cause: %q", msg)
		}
	}
}

func TestUserMessageStablePerCode(t *testing.T) {
	a := UserMessage(New(CodeModelMissing, "transcribe", errors.New("a")))
	b := UserMessage(New(CodeModelMissing, "diarize", errors.New("b")))
	if a != b {
		t.Fatalf("messages differ for the same code: %q vs %q", a, b)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodeInvalidInput, "", nil)); got != CodeInvalidInput {
		t.Fatalf("CodeOf tagged = %s", got)
	}
	if got := CodeOf(errors.New("connection reset by peer")); got != CodeUnavailable {
		t.Fatalf("CodeOf transient = %s", got)
	}
	if got := CodeOf(errors.New("boom")); got != CodeInternal {
		t.Fatalf("CodeOf permanent = %s", got)
	}
}
