package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wafilter/pkg/errors"
	"wafilter/pkg/logger"
)

// mediaIndexFileName is the durable index beside the media blobs
const mediaIndexFileName = "media_index.json"

// mimeExtensions maps known MIME types to file extensions; anything else
// falls back to .bin
var mimeExtensions = map[string]string{
	"image/jpeg":         ".jpg",
	"image/png":          ".png",
	"image/gif":          ".gif",
	"image/webp":         ".webp",
	"video/mp4":          ".mp4",
	"video/3gpp":         ".3gp",
	"audio/ogg":          ".ogg",
	"audio/mpeg":         ".mp3",
	"audio/mp4":          ".m4a",
	"audio/wav":          ".wav",
	"application/pdf":    ".pdf",
	"application/zip":    ".zip",
	"text/plain":         ".txt",
	"text/vcard":         ".vcf",
	"application/msword": ".doc",
}

// MediaEntry is one record of the media index
type MediaEntry struct {
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Timestamp string `json:"timestamp"`
}

// MediaInfo is the resolved view of a stored blob
type MediaInfo struct {
	FilePath string `json:"filePath"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// MediaStore persists content blobs on disk with a count-bounded LRU index.
// Handles are opaque; the index maps them to file names.
type MediaStore struct {
	mu  sync.Mutex
	dir string
	log logger.Logger

	index    map[string]MediaEntry
	maxFiles int
	maxBytes int64
	seq      int64 // monotonic suffix for handle uniqueness
}

// NewMediaStore creates a media store rooted at <dataDir>/media
func NewMediaStore(dataDir string, maxFiles int, maxBytes int64, log logger.Logger) *MediaStore {
	return &MediaStore{
		dir:      filepath.Join(dataDir, "media"),
		log:      log,
		index:    make(map[string]MediaEntry),
		maxFiles: maxFiles,
		maxBytes: maxBytes,
	}
}

// Load reads the persisted index. A missing file is not an error.
func (s *MediaStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, mediaIndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapInternal(err, "read media index")
	}

	var index map[string]MediaEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.WrapInternal(err, "parse media index")
	}
	s.index = index

	for _, entry := range index {
		if n := sequenceOf(entry.FileName); n > s.seq {
			s.seq = n
		}
	}
	return nil
}

// sequenceOf extracts the monotonic suffix of a stored file name
func sequenceOf(fileName string) int64 {
	base := fileName[:len(fileName)-len(filepath.Ext(fileName))]
	idx := -1
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '_' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0
	}
	var n int64
	if _, err := fmt.Sscanf(base[idx+1:], "%d", &n); err != nil {
		return 0
	}
	return n
}

// saveIndexLocked persists the index atomically. Caller must hold s.mu.
func (s *MediaStore) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return errors.WrapInternal(err, "marshal media index")
	}
	return writeFileAtomic(filepath.Join(s.dir, mediaIndexFileName), data)
}

// Save persists the index
func (s *MediaStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

// ExtensionFor maps a MIME type to a file extension, defaulting to .bin
func ExtensionFor(mimeType string) string {
	if ext, ok := mimeExtensions[mimeType]; ok {
		return ext
	}
	return ".bin"
}

// Store writes a blob to disk and registers it in the index, evicting the
// globally oldest entries when the file cap is exceeded. Empty or oversize
// blobs are rejected: the handle is empty and no error is returned.
func (s *MediaStore) Store(messageID string, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		s.log.WarnWithFields("rejecting empty media blob", logger.Fields{
			"message_id": messageID,
		})
		return "", nil
	}
	if int64(len(data)) > s.maxBytes {
		s.log.WarnWithFields("rejecting oversize media blob", logger.Fields{
			"message_id": messageID,
			"size":       len(data),
			"max_bytes":  s.maxBytes,
		})
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	handle := fmt.Sprintf("%s_%d", messageID, s.seq)
	fileName := handle + ExtensionFor(mimeType)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", errors.WrapInternal(err, "create media dir")
	}
	if err := os.WriteFile(filepath.Join(s.dir, fileName), data, 0o644); err != nil {
		return "", errors.WrapInternal(err, "write media blob")
	}

	s.index[handle] = MediaEntry{
		FileName:  fileName,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Timestamp: time.Now().UTC().Format(storedAtFormat),
	}

	for len(s.index) > s.maxFiles {
		s.evictOldestLocked()
	}

	if err := s.saveIndexLocked(); err != nil {
		s.log.WarnWithError("failed to persist media index", err, nil)
	}
	return handle, nil
}

// evictOldestLocked removes the index entry and blob with the oldest timestamp
func (s *MediaStore) evictOldestLocked() {
	var oldestHandle string
	var oldestAt string

	for handle, entry := range s.index {
		if oldestHandle == "" || entry.Timestamp < oldestAt {
			oldestHandle = handle
			oldestAt = entry.Timestamp
		}
	}
	if oldestHandle == "" {
		return
	}

	entry := s.index[oldestHandle]
	delete(s.index, oldestHandle)
	if err := os.Remove(filepath.Join(s.dir, entry.FileName)); err != nil && !os.IsNotExist(err) {
		s.log.WarnWithError("failed to remove evicted media blob", err, logger.Fields{
			"file": entry.FileName,
		})
	}
}

// Get resolves a handle to its blob info, or nil when unknown
func (s *MediaStore) Get(handle string) *MediaInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[handle]
	if !ok {
		return nil
	}
	return &MediaInfo{
		FilePath: filepath.Join(s.dir, entry.FileName),
		MimeType: entry.MimeType,
		Size:     entry.Size,
	}
}

// Count returns the number of indexed blobs
func (s *MediaStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}
