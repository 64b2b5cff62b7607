// Package artifacts keeps track of the files a dubbing job produces and where they
// live in storage.
package artifacts

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/pkg/errors"
)

// Kind names one artifact of a job.
type Kind string

const (
	KindUpload        Kind = "upload"
	KindTranscript    Kind = "transcript"
	KindTranslation   Kind = "translation"
	KindProcessingLog Kind = "processing_log"
	KindVocals        Kind = "vocals"
	KindMusic         Kind = "music"
	KindDubbedAudio   Kind = "dubbed_audio"
	KindOutput        Kind = "output"
)

// ErrUnknownKind is returned for kinds the registry does not know.
var ErrUnknownKind = errors.New("unknown artifact kind")

// ErrNamedKind is returned when a kind whose file name varies per job is saved
// without a name.
var ErrNamedKind = errors.New("artifact kind requires a file name")

type layout struct {
	prefix      string
	dir         string
	name        string
	contentType string
}

var layouts = map[Kind]layout{
	KindUpload:        {prefix: storage.PrefixUploads},
	KindOutput:        {prefix: storage.PrefixOutputs},
	KindTranscript:    {prefix: storage.PrefixArtifacts, dir: "json", name: "transcript.json", contentType: "application/json"},
	KindTranslation:   {prefix: storage.PrefixArtifacts, dir: "json", name: "translation.json", contentType: "application/json"},
	KindProcessingLog: {prefix: storage.PrefixArtifacts, dir: "logs", name: "processing.log", contentType: "text/plain; charset=utf-8"},
	KindVocals:        {prefix: storage.PrefixProcessing, dir: "stems", name: "vocals.wav", contentType: "audio/wav"},
	KindMusic:         {prefix: storage.PrefixProcessing, dir: "stems", name: "music.wav", contentType: "audio/wav"},
	KindDubbedAudio:   {prefix: storage.PrefixProcessing, name: "dubbed_audio.wav", contentType: "audio/wav"},
}

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(layouts))
	for k := range layouts {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind validates a kind received from outside the process.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := layouts[k]; !ok {
		return "", errors.Wrapf(ErrUnknownKind, "%q", s)
	}
	return k, nil
}

// Path returns the storage path of kind for jobID. name is required for uploads and
// outputs and ignored otherwise.
func Path(jobID string, kind Kind, name string) (string, error) {
	l, ok := layouts[kind]
	if !ok {
		return "", errors.Wrapf(ErrUnknownKind, "%q", kind)
	}
	if jobID == "" {
		return "", errors.Wrap(storage.ErrInvalidPath, "empty job id")
	}
	if l.name == "" {
		if name == "" || path.Base(name) != name {
			return "", errors.Wrapf(ErrNamedKind, "%s", kind)
		}
		return storage.CleanPath(storage.JobPath(l.prefix, jobID, name))
	}
	return storage.CleanPath(storage.JobPath(l.prefix, jobID, l.dir, l.name))
}

// Transient reports whether kind lives under the purgeable processing prefix.
func (k Kind) Transient() bool {
	return layouts[k].prefix == storage.PrefixProcessing
}

// Record is one registered artifact.
type Record struct {
	JobID       string          `json:"job_id"`
	Kind        Kind            `json:"kind"`
	Path        string          `json:"path"`
	Backend     storage.Backend `json:"backend"`
	Size        int64           `json:"size"`
	ContentType string          `json:"content_type"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Index remembers where each artifact of a job was written.
type Index interface {
	Put(ctx context.Context, rec Record) error
	// Get reports false when nothing is registered for (jobID, kind).
	Get(ctx context.Context, jobID string, kind Kind) (Record, bool, error)
	List(ctx context.Context, jobID string) ([]Record, error)
	Remove(ctx context.Context, jobID string, kinds ...Kind) error
	DeleteJob(ctx context.Context, jobID string) error
}

// MemoryIndex is a process-local Index.
type MemoryIndex struct {
	mu   sync.RWMutex
	jobs map[string]map[Kind]Record
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{jobs: make(map[string]map[Kind]Record)}
}

func (m *MemoryIndex) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds, ok := m.jobs[rec.JobID]
	if !ok {
		kinds = make(map[Kind]Record)
		m.jobs[rec.JobID] = kinds
	}
	kinds[rec.Kind] = rec
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, jobID string, kind Kind) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID][kind]
	return rec, ok, nil
}

func (m *MemoryIndex) List(_ context.Context, jobID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.jobs[jobID]))
	for _, rec := range m.jobs[jobID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (m *MemoryIndex) Remove(_ context.Context, jobID string, kinds ...Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range kinds {
		delete(m.jobs[jobID], k)
	}
	return nil
}

func (m *MemoryIndex) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

var _ Index = (*MemoryIndex)(nil)
