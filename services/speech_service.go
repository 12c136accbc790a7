package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/matixlol/caloric/config"
)

// MaxAudioBytes bounds the audio blob accepted for transcription.
const MaxAudioBytes = 12 << 20 // 12MB

var (
	ErrAudioEmpty    = errors.New("audio is empty")
	ErrAudioTooLarge = fmt.Errorf("audio exceeds %d bytes", MaxAudioBytes)
)

// AudioArchiver persists the raw audio, e.g. to S3. Archival is best effort
// and never fails a transcription.
type AudioArchiver func(data []byte, filename string) (string, error)

// TranscriptionService proxies speech-to-text to an OpenAI-compatible
// transcriptions endpoint.
type TranscriptionService struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	archive AudioArchiver
}

func NewTranscriptionService(cfg config.Settings, archive AudioArchiver) *TranscriptionService {
	return &TranscriptionService{
		baseURL: strings.TrimRight(cfg.ChatBaseURL, "/"),
		apiKey:  cfg.ChatAPIKey,
		model:   cfg.SpeechModel,
		client:  &http.Client{Timeout: cfg.UpstreamTimeout},
		archive: archive,
	}
}

func (s *TranscriptionService) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", ErrAudioEmpty
	}
	if len(audio) > MaxAudioBytes {
		return "", ErrAudioTooLarge
	}
	if filename == "" {
		filename = "audio.m4a"
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to build transcription form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to build transcription form: %w", err)
	}
	if err := mw.WriteField("model", s.model); err != nil {
		return "", fmt.Errorf("failed to build transcription form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build transcription form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call transcription API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription API error %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to parse transcription JSON: %w", err)
	}

	if s.archive != nil {
		if _, err := s.archive(audio, filename); err != nil {
			log.Printf("audio archive failed: %v", err)
		}
	}
	return out.Text, nil
}
