package artifacts

import (
	"bytes"
	"context"
	"io"

	"github.com/andresuchdata/videodub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store is the slice of storage.FileManager the registry writes through.
type Store interface {
	Save(ctx context.Context, p string, r io.Reader, contentType string) (storage.StoredObject, error)
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	Load(ctx context.Context, p string) ([]byte, error)
	Stat(ctx context.Context, p string) (storage.ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Registry saves job artifacts under their canonical paths and records them in an
// Index so they can be found again by kind.
type Registry struct {
	store Store
	index Index
}

func NewRegistry(store Store, index Index) *Registry {
	if index == nil {
		index = NewMemoryIndex()
	}
	return &Registry{store: store, index: index}
}

// SaveArtifact writes content for a kind with a fixed file name.
func (r *Registry) SaveArtifact(ctx context.Context, jobID string, kind Kind, content []byte) (storage.StoredObject, error) {
	return r.save(ctx, jobID, kind, "", bytes.NewReader(content), "")
}

// SaveNamed streams a kind whose file name is chosen per job, such as the upload
// or the final output.
func (r *Registry) SaveNamed(ctx context.Context, jobID string, kind Kind, name string, content io.Reader, contentType string) (storage.StoredObject, error) {
	return r.save(ctx, jobID, kind, name, content, contentType)
}

func (r *Registry) save(ctx context.Context, jobID string, kind Kind, name string, content io.Reader, contentType string) (storage.StoredObject, error) {
	p, err := Path(jobID, kind, name)
	if err != nil {
		return storage.StoredObject{}, err
	}
	if contentType == "" {
		contentType = layouts[kind].contentType
	}

	obj, err := r.store.Save(ctx, p, content, contentType)
	if err != nil {
		return storage.StoredObject{}, errors.Wrapf(err, "save %s for job %s", kind, jobID)
	}

	rec := Record{
		JobID:       jobID,
		Kind:        kind,
		Path:        obj.Path,
		Backend:     obj.Backend,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		CreatedAt:   obj.CreatedAt,
	}
	if err := r.index.Put(ctx, rec); err != nil {
		// The object is stored; Lookup can still find fixed-name kinds by path.
		log.Warn().Err(err).Str("job_id", jobID).Str("kind", string(kind)).Msg("artifacts: index update failed")
	}
	return obj, nil
}

// Lookup finds the record of kind for jobID, consulting storage directly for
// fixed-name kinds the index does not know about.
func (r *Registry) Lookup(ctx context.Context, jobID string, kind Kind) (Record, error) {
	if _, ok := layouts[kind]; !ok {
		return Record{}, errors.Wrapf(ErrUnknownKind, "%q", kind)
	}

	rec, ok, err := r.index.Get(ctx, jobID, kind)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Str("kind", string(kind)).Msg("artifacts: index lookup failed")
	}
	if ok {
		return rec, nil
	}

	p, err := Path(jobID, kind, "")
	if errors.Is(err, ErrNamedKind) {
		return Record{}, errors.Wrapf(storage.ErrNotFound, "no %s recorded for job %s", kind, jobID)
	}
	if err != nil {
		return Record{}, err
	}
	info, err := r.store.Stat(ctx, p)
	if err != nil {
		return Record{}, err
	}
	return Record{
		JobID:       jobID,
		Kind:        kind,
		Path:        p,
		Size:        info.Size,
		ContentType: info.ContentType,
		CreatedAt:   info.Updated,
	}, nil
}

// LoadArtifact reads the whole artifact into memory.
func (r *Registry) LoadArtifact(ctx context.Context, jobID string, kind Kind) ([]byte, error) {
	rec, err := r.Lookup(ctx, jobID, kind)
	if err != nil {
		return nil, err
	}
	return r.store.Load(ctx, rec.Path)
}

// Open streams the artifact. The caller closes the reader.
func (r *Registry) Open(ctx context.Context, jobID string, kind Kind) (io.ReadCloser, Record, error) {
	rec, err := r.Lookup(ctx, jobID, kind)
	if err != nil {
		return nil, Record{}, err
	}
	rc, err := r.store.Open(ctx, rec.Path)
	if err != nil {
		return nil, Record{}, err
	}
	return rc, rec, nil
}

// Records lists everything registered for jobID.
func (r *Registry) Records(ctx context.Context, jobID string) ([]Record, error) {
	return r.index.List(ctx, jobID)
}

// Cleanup removes the job's processing tree regardless of its age. Uploads, outputs
// and artifacts are kept.
func (r *Registry) Cleanup(ctx context.Context, jobID string) (int, error) {
	if jobID == "" {
		return 0, errors.Wrap(storage.ErrInvalidPath, "empty job id")
	}
	n, err := r.store.DeletePrefix(ctx, storage.JobPath(storage.PrefixProcessing, jobID))
	if err != nil {
		return n, errors.Wrapf(err, "cleanup job %s", jobID)
	}

	var transient []Kind
	for k := range layouts {
		if k.Transient() {
			transient = append(transient, k)
		}
	}
	if err := r.index.Remove(ctx, jobID, transient...); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("artifacts: index cleanup failed")
	}
	log.Debug().Str("job_id", jobID).Int("removed", n).Msg("artifacts: processing files removed")
	return n, nil
}

// Purge deletes every file of the job, exempt prefixes included, and forgets it.
func (r *Registry) Purge(ctx context.Context, jobID string) (int, error) {
	if jobID == "" {
		return 0, errors.Wrap(storage.ErrInvalidPath, "empty job id")
	}
	total := 0
	for _, prefix := range []string{storage.PrefixProcessing, storage.PrefixUploads, storage.PrefixArtifacts, storage.PrefixOutputs} {
		n, err := r.store.DeletePrefix(ctx, storage.JobPath(prefix, jobID))
		total += n
		if err != nil {
			return total, errors.Wrapf(err, "purge job %s", jobID)
		}
	}
	if err := r.index.DeleteJob(ctx, jobID); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("artifacts: index cleanup failed")
	}
	return total, nil
}
