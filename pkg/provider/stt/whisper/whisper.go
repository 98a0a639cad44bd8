// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] talks to a running whisper-server (POST /inference) or any
// OpenAI-compatible transcription endpoint, requesting verbose JSON so every
// segment carries its no-speech probability. [NativeProvider] links the
// whisper.cpp library directly through its Go bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("zh"))
//	seq, err := p.Transcribe(ctx, stt.Request{PCM: pcm, SampleRate: 16000, Channels: 1})
//	for piece, err := range seq { ... }
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/pinyin/pkg/audio"
	"github.com/MrWong99/pinyin/pkg/audio/wavfile"
	"github.com/MrWong99/pinyin/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultEndpoint = "/inference"
	defaultTimeout  = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier sent with each request. whisper-server
// ignores it; OpenAI-compatible endpoints require it.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default recognition language. Defaults to "en".
// A per-request language takes precedence.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithEndpoint sets the request path, e.g. "/v1/audio/transcriptions".
func WithEndpoint(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.endpoint = path
		}
	}
}

// WithAPIKey sets a bearer token for hosted endpoints.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient replaces the default client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements stt.Provider against a whisper HTTP server.
type Provider struct {
	serverURL  string
	endpoint   string
	model      string
	language   string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		endpoint:   defaultEndpoint,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// verboseResponse is the verbose_json body shared by whisper-server and the
// OpenAI transcription API.
type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text         string  `json:"text"`
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe implements stt.Provider. The whole response is read before the
// first piece is yielded, so the sequence itself never fails.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (iter.Seq2[stt.Piece, error], error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	body, contentType, err := p.buildForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+p.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var result verboseResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return stt.Pieces(piecesFrom(result)...), nil
}

func (p *Provider) buildForm(req stt.Request) (io.Reader, string, error) {
	ch := req.Channels
	if ch <= 0 {
		ch = 1
	}
	wav, err := wavfile.EncodeBytes(req.PCM, audio.Format{SampleRate: req.SampleRate, Channels: ch})
	if err != nil {
		return nil, "", fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"language", lang},
		{"model", p.model},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("whisper: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}
	return &body, mw.FormDataContentType(), nil
}

// piecesFrom maps response segments to pieces. A response without segments
// (plain json format) becomes a single piece that is assumed to be speech.
func piecesFrom(r verboseResponse) []stt.Piece {
	if len(r.Segments) == 0 {
		if strings.TrimSpace(r.Text) == "" {
			return nil
		}
		return []stt.Piece{{Text: r.Text}}
	}
	out := make([]stt.Piece, 0, len(r.Segments))
	for _, s := range r.Segments {
		out = append(out, stt.Piece{
			Text:         s.Text,
			NoSpeechProb: s.NoSpeechProb,
			Start:        seconds(s.Start),
			End:          seconds(s.End),
		})
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
