package archive

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lox/neuralda/internal/field"
)

// stateBytes returns the contents of an archive file for testGrid.
func stateBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.nc")
	writeState(t, path)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestS3(t *testing.T, url string) *S3 {
	t.Helper()
	s, err := NewS3(S3Config{
		Bucket:     "era5",
		Prefix:     "archive",
		Endpoint:   url,
		AccessKey:  "test",
		SecretKey:  "test",
		MaxElapsed: 30 * time.Second,
	}, testGrid)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestS3RetriesServerErrors(t *testing.T) {
	body := stateBytes(t)
	ts := time.Date(2018, 1, 1, 6, 0, 0, 0, time.UTC)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/era5/archive/"+Key(ts)) {
			t.Errorf("path = %s", r.URL.Path)
		}
		if n == 1 {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`<Error><Code>InternalError</Code><Message>try again</Message></Error>`))
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	f, err := newTestS3(t, srv.URL).State(context.Background(), ts)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	if f.Channels != field.NumChannels {
		t.Errorf("Channels = %d, want %d", f.Channels, field.NumChannels)
	}
	if got, want := f.At(field.ChannelIndex("u10"), 1, 2), float64(value(0, 0, 1, 2)); got != want {
		t.Errorf("u10(1,2) = %v, want %v", got, want)
	}
}

func TestS3MissingKeyIsPermanent(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	}))
	defer srv.Close()

	_, err := newTestS3(t, srv.URL).State(context.Background(), time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestNewS3RequiresBucket(t *testing.T) {
	if _, err := NewS3(S3Config{}, testGrid); err == nil {
		t.Error("expected error")
	}
}
