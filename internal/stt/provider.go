package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

// Provider is the remote transcription API the relay and poller talk to.
type Provider interface {
	Upload(ctx context.Context, body io.Reader, mediaType string) (UploadReference, error)
	CreateTranscript(ctx context.Context, ref UploadReference, opts JobOptions) (JobID, error)
	Transcript(ctx context.Context, id JobID) (JobState, error)
}

// Client speaks the AssemblyAI v2 REST API.
type Client struct {
	baseURL        string
	apiKey         string
	http           *http.Client
	uploadTimeout  time.Duration
	requestTimeout time.Duration
}

// NewClient builds a provider client. A nil httpClient gets a fresh one; the
// client is safe to share across requests.
func NewClient(cfg config.ProviderConfig, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:        base,
		apiKey:         cfg.APIKey,
		http:           httpClient,
		uploadTimeout:  cfg.UploadTimeout(),
		requestTimeout: cfg.RequestTimeout(),
	}, nil
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL     string `json:"audio_url"`
	LanguageCode string `json:"language_code,omitempty"`
}

type transcriptResponse struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Text   *string `json:"text"`
	Error  string  `json:"error"`
}

// Upload streams body to the provider using chunked transfer encoding.
func (c *Client) Upload(ctx context.Context, body io.Reader, mediaType string) (UploadReference, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/upload", io.NopCloser(body))
	if err != nil {
		return "", err
	}
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", mediaType)
	c.authorize(req)

	var out uploadResponse
	if err := c.do(req, "POST /v2/upload", &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", errors.New("POST /v2/upload: provider response carried no upload_url")
	}
	return UploadReference(out.UploadURL), nil
}

// CreateTranscript starts a transcription job for previously uploaded audio.
func (c *Client) CreateTranscript(ctx context.Context, ref UploadReference, opts JobOptions) (JobID, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	payload, err := json.Marshal(transcriptRequest{AudioURL: string(ref), LanguageCode: opts.LanguageCode})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	var out transcriptResponse
	if err := c.do(req, "POST /v2/transcript", &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("POST /v2/transcript: provider response carried no id")
	}
	return JobID(out.ID), nil
}

// Transcript fetches the current state of a job.
func (c *Client) Transcript(ctx context.Context, id JobID) (JobState, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/transcript/"+url.PathEscape(string(id)), nil)
	if err != nil {
		return JobState{}, err
	}
	c.authorize(req)

	var out transcriptResponse
	if err := c.do(req, "GET /v2/transcript", &out); err != nil {
		return JobState{}, err
	}
	state := JobState{ID: JobID(out.ID), Status: JobStatus(out.Status), Error: out.Error}
	if state.ID == "" {
		state.ID = id
	}
	if out.Text != nil {
		state.Text = *out.Text
	}
	return state, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
