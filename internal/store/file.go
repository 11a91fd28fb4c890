package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ppiankov/policycache/internal/model"
)

// BackendFile is the Name of FileStore
const BackendFile = "file"

// indexEntry maps a url hash to its record
type indexEntry struct {
	URL           string `json:"url"`
	NormalizedURL string `json:"normalized_url"`
	SummaryID     string `json:"summary_id"`
	LastAccessed  string `json:"last_accessed"`
}

// fileDocument is the on-disk layout of the JSON database
type fileDocument struct {
	Summaries map[string]model.Record `json:"summaries"`
	URLIndex  map[string]indexEntry   `json:"url_index"`
}

// FileStore keeps every record in a single JSON document.
//
// The document is read once when the store is opened and rewritten in full
// on every mutation (temp file + rename, so a crash leaves either the old or
// the new document). Mutations are serialized within the process. Several
// processes writing the same file are not supported: there is no file lock
// and the last writer wins.
type FileStore struct {
	path   string
	logger *slog.Logger
	now    Clock
	newID  func() string

	mu  sync.RWMutex
	doc fileDocument
}

// NewFileStore opens the JSON database at path. A missing file starts an
// empty store; a corrupt file is moved aside and also starts empty.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		path:   path,
		logger: logger.With("backend", BackendFile),
		now:    time.Now,
		newID:  uuid.NewString,
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	s.doc = emptyDocument()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &BackendError{Backend: BackendFile, Op: "read", Err: err}
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			aside = ""
		}
		s.logger.Warn("corrupt database file, starting empty",
			"path", s.path, "moved_to", aside, "error", err)
		return nil
	}

	for id, rec := range doc.Summaries {
		if rec.ID == "" {
			rec.ID = id
		}
		if rec.NormalizedURL == "" {
			rec.NormalizedURL = Normalize(rec.URL)
		}
		rec.PolicyTypes = normalizeTypes(rec.PolicyTypes)
		s.doc.Summaries[id] = rec
	}
	for hash, entry := range doc.URLIndex {
		s.doc.URLIndex[hash] = entry
	}
	return nil
}

func emptyDocument() fileDocument {
	return fileDocument{
		Summaries: make(map[string]model.Record),
		URLIndex:  make(map[string]indexEntry),
	}
}

// persist rewrites the whole document. Callers hold s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return &SerializationError{Attribute: "document", Err: err}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &BackendError{Backend: BackendFile, Op: "create dir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &BackendError{Backend: BackendFile, Op: "create temp", Err: err}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return &BackendError{Backend: BackendFile, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &BackendError{Backend: BackendFile, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &BackendError{Backend: BackendFile, Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return &BackendError{Backend: BackendFile, Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &BackendError{Backend: BackendFile, Op: "rename", Err: err}
	}
	return nil
}

// snapshot remembers the state of one record and one index entry so a
// failed persist can be rolled back
type snapshot struct {
	id       string
	rec      model.Record
	hadRec   bool
	hash     string
	entry    indexEntry
	hadEntry bool
}

func (s *FileStore) take(id, hash string) snapshot {
	snap := snapshot{id: id, hash: hash}
	snap.rec, snap.hadRec = s.doc.Summaries[id]
	snap.entry, snap.hadEntry = s.doc.URLIndex[hash]
	return snap
}

func (s *FileStore) restore(snaps ...snapshot) {
	// Reverse order so overlapping snapshots end at the oldest state
	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		if snap.hadRec {
			s.doc.Summaries[snap.id] = snap.rec
		} else {
			delete(s.doc.Summaries, snap.id)
		}
		if snap.hadEntry {
			s.doc.URLIndex[snap.hash] = snap.entry
		} else {
			delete(s.doc.URLIndex, snap.hash)
		}
	}
}

// Name returns "file"
func (s *FileStore) Name() string {
	return BackendFile
}

// Path returns the database file path
func (s *FileStore) Path() string {
	return s.path
}

// GetByURL looks up the record for rawURL through the url index
func (s *FileStore) GetByURL(ctx context.Context, rawURL string, maxAge time.Duration) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.doc.URLIndex[KeyFor(rawURL)]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	rec, ok := s.doc.Summaries[entry.SummaryID]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	if IsExpired(rec.Timestamp, maxAge, s.now()) {
		return model.Record{}, ErrExpired
	}
	return rec.Clone(), nil
}

// Save upserts the summary for entry.URL
func (s *FileStore) Save(ctx context.Context, entry model.Entry) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	normalized := Normalize(entry.URL)
	hash := URLHash(normalized)

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev model.Record
	id := ""
	if idx, ok := s.doc.URLIndex[hash]; ok {
		id = idx.SummaryID
		prev = s.doc.Summaries[id]
		s.logger.Debug("updating cached summary", "url", entry.URL, "id", id)
	} else {
		id = s.newID()
		s.logger.Debug("creating cached summary", "url", entry.URL, "id", id)
	}

	snap := s.take(id, hash)
	ts := nextTimestamp(s.now(), prev.Timestamp)

	rec := model.Record{
		ID:            id,
		URL:           entry.URL,
		NormalizedURL: normalized,
		ShortSummary:  entry.ShortSummary,
		FullSummary:   entry.FullSummary,
		PolicyTypes:   normalizeTypes(entry.PolicyTypes),
		CreatedAt:     prev.CreatedAt,
		Version:       prev.Version + 1,
	}
	stamp(&rec, ts)

	s.doc.Summaries[id] = rec
	s.doc.URLIndex[hash] = indexEntry{
		URL:           entry.URL,
		NormalizedURL: normalized,
		SummaryID:     id,
		LastAccessed:  FormatTimestamp(ts),
	}

	if err := s.persist(); err != nil {
		s.restore(snap)
		return "", err
	}
	return id, nil
}

// GetByID returns the record with the given id, expired or not
func (s *FileStore) GetByID(ctx context.Context, id string) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.doc.Summaries[id]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// GetRecent sorts all records in memory and returns the newest limit
func (s *FileStore) GetRecent(ctx context.Context, limit int) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	records := make([]model.Record, 0, len(s.doc.Summaries))
	for _, rec := range s.doc.Summaries {
		records = append(records, rec.Clone())
	}
	s.mu.RUnlock()

	return takeRecent(records, limit), nil
}

// Delete removes the record and its url index entry in one write
func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Summaries[id]
	if !ok {
		return false, nil
	}

	snap := s.take(id, recordHash(rec))
	s.unlink(rec)

	if err := s.persist(); err != nil {
		s.restore(snap)
		return false, err
	}
	return true, nil
}

// unlink drops rec and, if it still points at rec, its index entry
func (s *FileStore) unlink(rec model.Record) {
	hash := recordHash(rec)
	if entry, ok := s.doc.URLIndex[hash]; ok && entry.SummaryID == rec.ID {
		delete(s.doc.URLIndex, hash)
	}
	delete(s.doc.Summaries, rec.ID)
}

// DeleteByURL deletes whatever is cached for rawURL
func (s *FileStore) DeleteByURL(ctx context.Context, rawURL string) (bool, error) {
	return deleteByURL(ctx, s, rawURL)
}

// ClearOld deletes records written before now-olderThan in a single write.
// Records with unparsable timestamps are kept.
func (s *FileStore) ClearOld(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)

	var snaps []snapshot
	for id, rec := range s.doc.Summaries {
		t, err := ParseTimestamp(rec.Timestamp)
		if err != nil || !t.Before(cutoff) {
			continue
		}
		snaps = append(snaps, s.take(id, recordHash(rec)))
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	for _, snap := range snaps {
		s.unlink(snap.rec)
	}

	if err := s.persist(); err != nil {
		s.restore(snaps...)
		return 0, err
	}
	s.logger.Info("cleared old summaries", "removed", len(snaps), "older_than", olderThan)
	return len(snaps), nil
}

// Import writes rec verbatim, replacing any other record for the same URL
func (s *FileStore) Import(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" {
		return &SerializationError{Attribute: "id", Err: errors.New("empty id")}
	}

	rec = rec.Clone()
	if rec.NormalizedURL == "" {
		rec.NormalizedURL = Normalize(rec.URL)
	}
	rec.PolicyTypes = normalizeTypes(rec.PolicyTypes)
	hash := URLHash(rec.NormalizedURL)

	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := []snapshot{s.take(rec.ID, hash)}
	if entry, ok := s.doc.URLIndex[hash]; ok && entry.SummaryID != rec.ID {
		snaps = append(snaps, s.take(entry.SummaryID, hash))
		delete(s.doc.Summaries, entry.SummaryID)
	}
	// The same id may have been indexed under a different URL before
	if old, ok := s.doc.Summaries[rec.ID]; ok {
		if oldHash := recordHash(old); oldHash != hash {
			snaps = append(snaps, s.take(rec.ID, oldHash))
			s.unlink(old)
		}
	}

	s.doc.Summaries[rec.ID] = rec
	s.doc.URLIndex[hash] = indexEntry{
		URL:           rec.URL,
		NormalizedURL: rec.NormalizedURL,
		SummaryID:     rec.ID,
		LastAccessed:  rec.Timestamp,
	}

	if err := s.persist(); err != nil {
		s.restore(snaps...)
		return err
	}
	return nil
}

// Stats reports record and index counts plus the file size
func (s *FileStore) Stats(ctx context.Context) (model.Stats, error) {
	if err := ctx.Err(); err != nil {
		return model.Stats{}, err
	}

	s.mu.RLock()
	stats := model.Stats{
		Backend:      BackendFile,
		Records:      len(s.doc.Summaries),
		IndexEntries: len(s.doc.URLIndex),
		Location:     s.path,
	}
	s.mu.RUnlock()

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}
	return stats, nil
}

// Close is a no-op; every mutation is already on disk
func (s *FileStore) Close() error {
	return nil
}

func recordHash(rec model.Record) string {
	if rec.NormalizedURL != "" {
		return URLHash(rec.NormalizedURL)
	}
	return KeyFor(rec.URL)
}

// deleteByURL is the shared GetByURL + Delete composition
func deleteByURL(ctx context.Context, s Store, rawURL string) (bool, error) {
	rec, err := s.GetByURL(ctx, rawURL, 0)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Delete(ctx, rec.ID)
}
