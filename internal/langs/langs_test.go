package langs

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":          "",
		"auto":      "",
		"AUTO":      "",
		"en":        "en",
		"EN":        "en",
		"pt_BR":     "pt-BR",
		"Japanese":  "ja",
		"not a tag": "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSame(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"en", "en-US", true},
		{"english", "en", true},
		{"zh", "zh-CN", true},
		{"zh", "zh-Hans", true},
		{"simplified chinese", "zh-Hans", true},
		{"zh-Hans", "zh-Hant", false},
		{"zh", "zh-Hant", false},
		{"zh", "traditional chinese", false},
		{"zh-TW", "zh-Hant", true},
		{"pt-BR", "pt-PT", false},
		{"pt", "pt-BR", true},
		{"ja", "en", false},
		{"", "en", false},
		{"auto", "auto", false},
	}
	for _, tc := range cases {
		if got := Same(tc.a, tc.b); got != tc.want {
			t.Errorf("Same(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName("ja"); got != "Japanese" {
		t.Fatalf("DisplayName(ja) = %q", got)
	}
	if got := DisplayName(""); got != "Unknown" {
		t.Fatalf("DisplayName(\"\") = %q", got)
	}
}
