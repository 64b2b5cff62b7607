package domain

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Segment is one timed line of speech.
type Segment struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Text      string  `json:"text"`
}

// Transcript is the payload exchanged with the transcription and translation
// services. The same shape is stored as the transcript and translation artifacts.
type Transcript struct {
	Language      string    `json:"language,omitempty"`
	Transcription []Segment `json:"transcription"`
}

// UploadedFile represents a video accepted for dubbing
type UploadedFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
}

type ProcessingMode string

const (
	ModePreserveMusic ProcessingMode = "preserve_music"
	ModeReplaceAll    ProcessingMode = "replace_all"
)

// JobOptions are the dubbing choices made at upload time.
type JobOptions struct {
	Language        string         `json:"target_language"`
	Voice           string         `json:"voice_name"`
	SeparationModel string         `json:"separation_model"`
	Mode            ProcessingMode `json:"processing_mode"`
	VocalBalance    float64        `json:"vocal_balance"`
}

var SupportedLanguages = map[string]string{
	"en-US": "English (US)",
	"pt-BR": "Brazilian Portuguese",
	"es-ES": "Spanish (Spain)",
	"fr-FR": "French (France)",
	"de-DE": "German (Germany)",
	"it-IT": "Italian (Italy)",
	"ja-JP": "Japanese (Japan)",
	"ko-KR": "Korean (South Korea)",
	"nl-NL": "Dutch (Netherlands)",
	"pl-PL": "Polish (Poland)",
	"ru-RU": "Russian (Russia)",
	"zh-CN": "Chinese (Mandarin, China)",
}

var voiceLabels = map[string]string{
	"Zephyr": "Zephyr (Recommended)",
	"Puck":   "Puck (Warm)",
	"Charon": "Charon (Professional)",
	"Kore":   "Kore (Friendly)",
	"Fenrir": "Fenrir (Deep)",
	"Aoede":  "Aoede (Smooth)",
}

const DefaultVoice = "Zephyr"

var SeparationModels = map[string]string{
	"htdemucs":  "High Quality (HTDEMUCS) - Best Results",
	"mdx_extra": "Balanced (MDX-Extra) - Good Quality, Faster",
	"mdx":       "Fast (MDX) - Quick Processing",
}

var ProcessingModes = map[ProcessingMode]string{
	ModePreserveMusic: "Preserve Background Music (AI Separation)",
	ModeReplaceAll:    "Replace Entire Audio Track (Fast & Simple)",
}

var allowedVideoExtensions = map[string]bool{".mp4": true, ".mov": true}

// AllowedVideo reports whether filename has an accepted video extension.
func AllowedVideo(filename string) bool {
	return allowedVideoExtensions[strings.ToLower(filepath.Ext(filename))]
}

// CanonicalLanguage normalizes a BCP 47 tag ("pt-br" becomes "pt-BR") and checks
// that it is supported.
func CanonicalLanguage(tag string) (string, error) {
	t, err := language.Parse(strings.TrimSpace(tag))
	if err != nil {
		return "", fmt.Errorf("invalid language %q: %w", tag, err)
	}
	s := t.String()
	if _, ok := SupportedLanguages[s]; !ok {
		return "", fmt.Errorf("unsupported language %q", tag)
	}
	return s, nil
}

// Voices lists the full synthesizer voice names for a language.
func Voices(lang string) map[string]string {
	out := make(map[string]string, len(voiceLabels))
	for short, label := range voiceLabels {
		out[VoiceName(lang, short)] = label
	}
	return out
}

// VoiceName expands a short voice name. Full names for lang pass through and
// unknown names fall back to the default voice.
func VoiceName(lang, voice string) string {
	prefix := lang + "-Chirp3-HD-"
	short := strings.TrimPrefix(voice, prefix)
	if _, ok := voiceLabels[short]; !ok {
		short = DefaultVoice
	}
	return prefix + short
}

// Validate fills defaults and rejects options the pipeline cannot honor.
func (o *JobOptions) Validate(defaults JobOptions) error {
	if o.Language == "" {
		o.Language = defaults.Language
	}
	lang, err := CanonicalLanguage(o.Language)
	if err != nil {
		return err
	}
	o.Language = lang
	o.Voice = VoiceName(lang, o.Voice)

	if o.SeparationModel == "" {
		o.SeparationModel = defaults.SeparationModel
	}
	if _, ok := SeparationModels[o.SeparationModel]; !ok {
		return fmt.Errorf("unsupported separation model %q", o.SeparationModel)
	}

	if o.Mode == "" {
		o.Mode = defaults.Mode
	}
	if _, ok := ProcessingModes[o.Mode]; !ok {
		return fmt.Errorf("unsupported processing mode %q", o.Mode)
	}

	if o.VocalBalance < 0 || o.VocalBalance > 1 {
		return fmt.Errorf("vocal balance must be between 0 and 1, got %g", o.VocalBalance)
	}
	return nil
}

// SortedKeys returns the keys of a label table in order, for stable API output.
func SortedKeys[K ~string, V any](m map[K]V) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
