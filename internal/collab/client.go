// Package collab talks to the external services the dubbing pipeline delegates to:
// transcription, translation, speech synthesis and vocal/music separation.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/andresuchdata/videodub/internal/config"
	"github.com/andresuchdata/videodub/internal/domain"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ServiceError is a non-2xx answer from a collaborator.
type ServiceError struct {
	Service string
	Status  int
	Body    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.Status, e.Body)
}

// Stems are the two tracks produced by separation.
type Stems struct {
	Vocals []byte
	Music  []byte
}

type client struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(name, baseURL, apiKey string, timeout time.Duration) client {
	return client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c client) do(req *http.Request) (*http.Response, error) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s request failed", c.name)
	}
	log.Debug().Str("service", c.name).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("collab: call finished")
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &ServiceError{Service: c.name, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func (c client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", c.name)
	}
	return nil
}

// postFile streams r as the "audio" part of a multipart body.
func (c client) postFile(ctx context.Context, path string, fields map[string]string, filename string, r io.Reader) (*http.Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for k, v := range fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("audio", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, r); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	return resp, nil
}

// Transcriber turns speech into timed text.
type Transcriber struct{ client }

func NewTranscriber(baseURL, apiKey string, timeout time.Duration) *Transcriber {
	return &Transcriber{newClient("transcription", baseURL, apiKey, timeout)}
}

func (t *Transcriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (domain.Transcript, error) {
	resp, err := t.postFile(ctx, "/v1/transcribe", nil, filename, audio)
	if err != nil {
		return domain.Transcript{}, err
	}
	defer resp.Body.Close()
	var out domain.Transcript
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Transcript{}, errors.Wrap(err, "decode transcription response")
	}
	return out, nil
}

// Translator translates every segment of a transcript, keeping the timing.
type Translator struct{ client }

func NewTranslator(baseURL, apiKey string, timeout time.Duration) *Translator {
	return &Translator{newClient("translation", baseURL, apiKey, timeout)}
}

type translateRequest struct {
	Transcription  []domain.Segment `json:"transcription"`
	TargetLanguage string           `json:"target_language"`
}

func (t *Translator) Translate(ctx context.Context, in domain.Transcript, lang string) (domain.Transcript, error) {
	var out domain.Transcript
	err := t.postJSON(ctx, "/v1/translate", translateRequest{Transcription: in.Transcription, TargetLanguage: lang}, &out)
	if err != nil {
		return domain.Transcript{}, err
	}
	if len(out.Transcription) != len(in.Transcription) {
		return domain.Transcript{}, errors.Errorf("translation returned %d segments for %d", len(out.Transcription), len(in.Transcription))
	}
	out.Language = lang
	return out, nil
}

// Synthesizer renders text as speech.
type Synthesizer struct{ client }

func NewSynthesizer(baseURL, apiKey string, timeout time.Duration) *Synthesizer {
	return &Synthesizer{newClient("speech", baseURL, apiKey, timeout)}
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Voice    string `json:"voice_name"`
	Language string `json:"language_code"`
}

// Synthesize returns WAV audio.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice, lang string) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice, Language: lang})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read synthesized audio")
	}
	if len(audio) == 0 {
		return nil, errors.New("speech service returned no audio")
	}
	return audio, nil
}

// Separator splits a mix into vocals and accompaniment.
type Separator struct{ client }

func NewSeparator(baseURL, apiKey string, timeout time.Duration) *Separator {
	return &Separator{newClient("separation", baseURL, apiKey, timeout)}
}

// Separate expects a multipart/form-data answer with "vocals" and "music" parts.
func (s *Separator) Separate(ctx context.Context, audio io.Reader, filename, model string) (Stems, error) {
	resp, err := s.postFile(ctx, "/v1/separate", map[string]string{"model": model}, filename, audio)
	if err != nil {
		return Stems{}, err
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		return Stems{}, errors.Errorf("separation response is not multipart: %q", resp.Header.Get("Content-Type"))
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])

	var stems Stems
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Stems{}, errors.Wrap(err, "read separation response")
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return Stems{}, errors.Wrap(err, "read separation response")
		}
		switch part.FormName() {
		case "vocals":
			stems.Vocals = data
		case "music", "no_vocals", "accompaniment":
			stems.Music = data
		}
	}
	if len(stems.Vocals) == 0 || len(stems.Music) == 0 {
		return Stems{}, errors.New("separation response is missing a stem")
	}
	return stems, nil
}

// Clients bundles the collaborators built from configuration.
type Clients struct {
	Transcriber *Transcriber
	Translator  *Translator
	Synthesizer *Synthesizer
	Separator   *Separator
}

func NewFromConfig(cfg config.PipelineConfig) Clients {
	timeout := time.Duration(cfg.CollaboratorTimeoutSeconds) * time.Second
	return Clients{
		Transcriber: NewTranscriber(cfg.TranscriptionURL, cfg.CollaboratorAPIKey, timeout),
		Translator:  NewTranslator(cfg.TranslationURL, cfg.CollaboratorAPIKey, timeout),
		Synthesizer: NewSynthesizer(cfg.SpeechURL, cfg.CollaboratorAPIKey, timeout),
		Separator:   NewSeparator(cfg.SeparationURL, cfg.CollaboratorAPIKey, timeout),
	}
}
