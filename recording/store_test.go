package recording

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()

	s, err := NewStore(t.TempDir(), maxSize, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

// TestSanitizeName tests client file name handling
func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "clip.mjpeg", want: "clip.mjpeg"},
		{name: "empty uses default", input: "", want: DefaultName},
		{name: "whitespace uses default", input: "   ", want: DefaultName},
		{name: "strips directories", input: "../../etc/passwd", want: "passwd"},
		{name: "strips windows directories", input: `C:\videos\clip.mjpeg`, want: "clip.mjpeg"},
		{name: "dot dot", input: "..", wantErr: true},
		{name: "hidden file", input: ".bashrc", wantErr: true},
		{name: "control character", input: "clip\n.mjpeg", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeName(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Errorf("Expected ErrInvalidName, got %q, %v", got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestStoreSave tests that uploads land in the upload dir with a timestamp prefix
func TestStoreSave(t *testing.T) {
	s := newTestStore(t, 0)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	rec, err := s.Save("clip.mjpeg", strings.NewReader("jpegdata"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if rec.Name != "1700000000_clip.mjpeg" {
		t.Errorf("Name = %q, want 1700000000_clip.mjpeg", rec.Name)
	}
	if filepath.Dir(rec.Path) != s.Dir() {
		t.Errorf("Path %q is outside the upload dir", rec.Path)
	}
	if rec.Size != 8 {
		t.Errorf("Size = %d, want 8", rec.Size)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "jpegdata" {
		t.Errorf("Stored content = %q", data)
	}

	// Same second, same name: must not overwrite
	second, err := s.Save("clip.mjpeg", strings.NewReader("other"))
	if err != nil {
		t.Fatalf("Second Save failed: %v", err)
	}
	if second.Path == rec.Path {
		t.Error("Second upload overwrote the first")
	}
}

// TestStoreSaveEmpty tests that empty uploads are rejected and leave no file
func TestStoreSaveEmpty(t *testing.T) {
	s := newTestStore(t, 0)

	if _, err := s.Save("clip.mjpeg", bytes.NewReader(nil)); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("Expected ErrEmptyUpload, got %v", err)
	}

	entries, _ := os.ReadDir(s.Dir())
	if len(entries) != 0 {
		t.Errorf("Expected empty upload dir, found %d entries", len(entries))
	}
}

// TestStoreSaveTooLarge tests the upload size cap
func TestStoreSaveTooLarge(t *testing.T) {
	s := newTestStore(t, 4)

	if _, err := s.Save("clip.mjpeg", strings.NewReader("1234")); err != nil {
		t.Fatalf("Upload at the limit failed: %v", err)
	}

	if _, err := s.Save("big.mjpeg", strings.NewReader("12345")); !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("Expected ErrUploadTooLarge, got %v", err)
	}

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("Expected 1 stored recording, got %d", len(recs))
	}
}

// TestStoreList tests ordering and conversion detection
func TestStoreList(t *testing.T) {
	s := newTestStore(t, 0)

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"a.mjpeg", "b.mjpeg", "a.avi"} {
		path := filepath.Join(s.Dir(), name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
	}
	os.WriteFile(filepath.Join(s.Dir(), ".upload-123"), []byte("x"), 0644)

	recs, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	var names []string
	for _, r := range recs {
		names = append(names, r.Name)
	}
	if got := strings.Join(names, ","); got != "a.avi,b.mjpeg,a.mjpeg" {
		t.Errorf("List order = %s, want a.avi,b.mjpeg,a.mjpeg", got)
	}

	for _, r := range recs {
		want := r.Name == "a.mjpeg"
		if r.Converted != want {
			t.Errorf("%s: Converted = %v, want %v", r.Name, r.Converted, want)
		}
	}
}
