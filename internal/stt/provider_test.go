package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Default().Provider
	cfg.BaseURL = srv.URL
	cfg.APIKey = "secret-key"
	client, err := NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientUploadStreamsChunked(t *testing.T) {
	payload := bytes.Repeat([]byte{0x52, 0x49}, 64*1024)
	var got []byte
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/upload" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "secret-key" {
			t.Errorf("missing authorization header")
		}
		if len(r.TransferEncoding) == 0 || r.TransferEncoding[0] != "chunked" {
			t.Errorf("expected chunked upload, got %v (content-length %d)", r.TransferEncoding, r.ContentLength)
		}
		if r.Header.Get("Content-Type") != "audio/wav" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		got, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.provider.test/abc"})
	}))

	ref, err := client.Upload(context.Background(), bytes.NewReader(payload), "audio/wav")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref != "https://cdn.provider.test/abc" {
		t.Fatalf("unexpected reference %q", ref)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("provider received %d bytes, want %d", len(got), len(payload))
	}
}

func TestClientProviderErrorMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "Authentication error, API token missing/invalid"}`))
	}))

	_, err := client.CreateTranscript(context.Background(), "https://cdn.provider.test/abc", JobOptions{LanguageCode: "en"})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if providerErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", providerErr.StatusCode)
	}
	if providerErr.Message != "Authentication error, API token missing/invalid" {
		t.Fatalf("unexpected message %q", providerErr.Message)
	}
}

func TestClientCreateAndFetchTranscript(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode: %v", err)
			}
			if body["audio_url"] != "https://cdn.provider.test/abc" || body["language_code"] != "es" {
				t.Errorf("unexpected body %v", body)
			}
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "queued", "text": null}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/job-1":
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "completed", "text": null}`))
		default:
			http.NotFound(w, r)
		}
	}))

	id, err := client.CreateTranscript(context.Background(), "https://cdn.provider.test/abc", JobOptions{LanguageCode: "es"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	state, err := client.Transcript(context.Background(), id)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if state.Status != StatusCompleted || state.Text != "" {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestResolveLanguage(t *testing.T) {
	cases := map[string]string{
		"English":  "en",
		" spanish": "es",
		"Japanese": "ja",
		"en-US":    "en_us",
		"fr":       "fr",
	}
	for hint, want := range cases {
		got, err := ResolveLanguage(hint)
		if err != nil || got != want {
			t.Errorf("ResolveLanguage(%q) = %q, %v; want %q", hint, got, err, want)
		}
	}
	if _, err := ResolveLanguage("Klingon"); err == nil {
		t.Fatal("expected unsupported language error")
	}
}
