package version

import (
	"runtime/debug"
	"testing"
)

func TestCurrentPrefersBuildVersion(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v9.9.9"
	if got := Current(); got != "v9.9.9" {
		t.Fatalf("expected injected version, got %q", got)
	}
}

func TestFromVCS(t *testing.T) {
	cases := []struct {
		name     string
		settings []debug.BuildSetting
		want     string
	}{
		{name: "missing", want: ""},
		{
			name: "clean",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef"},
				{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
			},
			want: "v0.0.0-20260304050607-0123456789ab",
		},
		{
			name: "dirty",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc"},
				{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
				{Key: "vcs.modified", Value: "true"},
			},
			want: "v0.0.0-20260304050607-abc+dirty",
		},
		{
			name: "bad time",
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc"},
				{Key: "vcs.time", Value: "yesterday"},
			},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := fromVCS(tc.settings); got != tc.want {
				t.Fatalf("fromVCS() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestModuleNotEmpty(t *testing.T) {
	if Module() == "" {
		t.Fatal("expected module path")
	}
}
