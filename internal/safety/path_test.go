package safety

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCleanRelativePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "doc-1.pdf", want: "doc-1.pdf"},
		{in: "TV/cga_tv.pdf", want: "TV/cga_tv.pdf"},
		{in: "a/./b//c.pdf", want: "a/b/c.pdf"},
		{in: "a\\b.pdf", want: "a/b.pdf"},
		{in: "", wantErr: true},
		{in: ".", wantErr: true},
		{in: "/etc/passwd", wantErr: true},
		{in: "../escape.pdf", wantErr: true},
		{in: "a/../../escape.pdf", wantErr: true},
		{in: "bad\x00name", wantErr: true},
	}

	for _, tt := range tests {
		got, err := CleanRelativePath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("CleanRelativePath(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("CleanRelativePath(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanRelativePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanRemoteDir(t *testing.T) {
	got, err := CleanRemoteDir("/cga/")
	if err != nil {
		t.Fatalf("CleanRemoteDir returned error: %v", err)
	}
	if got != "/cga" {
		t.Fatalf("CleanRemoteDir = %q, want %q", got, "/cga")
	}

	if _, err := CleanRemoteDir("cga"); err == nil {
		t.Fatal("expected relative directory to fail")
	}
	if _, err := CleanRemoteDir(""); err == nil {
		t.Fatal("expected empty directory to fail")
	}
}

func TestSafeJoinUnder(t *testing.T) {
	okPath, err := SafeJoinUnder("/cga/", "2026-10-18-09-30/index.csv")
	if err != nil {
		t.Fatalf("SafeJoinUnder returned error: %v", err)
	}
	if okPath != "/cga/2026-10-18-09-30/index.csv" {
		t.Fatalf("SafeJoinUnder = %q", okPath)
	}

	if _, err := SafeJoinUnder("/cga", "../escape.txt"); err == nil {
		t.Fatal("expected traversal path to fail")
	}
	if _, err := SafeJoinUnder("/cga", "/abs/path.txt"); err == nil {
		t.Fatal("expected absolute path to fail")
	}
}

func TestEnsureUnderRoot(t *testing.T) {
	if _, err := EnsureUnderRoot("/cga", "/cga/child/file.txt"); err != nil {
		t.Fatalf("EnsureUnderRoot failed for child path: %v", err)
	}
	if _, err := EnsureUnderRoot("/", "/anything"); err != nil {
		t.Fatalf("EnsureUnderRoot failed under /: %v", err)
	}
	if _, err := EnsureUnderRoot("/cga", "/cga/../escape"); err == nil {
		t.Fatal("expected escape path to fail")
	}
	if _, err := EnsureUnderRoot("/cga", "/cgax/file"); err == nil {
		t.Fatal("expected sibling prefix to fail")
	}
}

func TestReadAllWithLimit(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}

	data, err := ReadAllWithLimit(io.NopCloser(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}
}
