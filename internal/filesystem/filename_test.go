package filesystem

import "testing"

func TestDeriveFilename(t *testing.T) {
	tests := []struct {
		name        string
		rawURL      string
		disposition string
		index       int
		want        string
	}{
		{"content disposition wins", "https://example.com/x", "report.pdf", 0, "report.pdf"},
		{"falls back to url path", "https://example.com/files/archive.zip", "", 0, "archive.zip"},
		{"falls back to index when nameless", "https://example.com/", "", 3, "download-3"},
		{"sanitizes reserved characters", "https://example.com/x", `bad:name?.txt`, 0, "bad_name_.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveFilename(tt.rawURL, tt.disposition, tt.index)
			if got != tt.want {
				t.Errorf("DeriveFilename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindAvailablePath(t *testing.T) {
	taken := map[string]bool{
		"/tmp/file.txt":   true,
		"/tmp/file_2.txt": true,
	}
	exists := func(p string) bool { return taken[p] }

	got := FindAvailablePath("/tmp/file.txt", exists)
	want := "/tmp/file_3.txt"
	if got != want {
		t.Errorf("FindAvailablePath() = %q, want %q", got, want)
	}

	got = FindAvailablePath("/tmp/new.txt", exists)
	if got != "/tmp/new.txt" {
		t.Errorf("FindAvailablePath() = %q, want unchanged path", got)
	}
}
