package bridge

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drausal/b2-reverse-proxy/internal/backend"
)

type sessionState int

const (
	sessionOpen sessionState = iota
	sessionCompleting
	sessionAborted
)

// maxPartNumber is the highest part number a multipart upload accepts.
const maxPartNumber = 10000

type recordedPart struct {
	number   int
	size     int64
	sha1     string
	modified time.Time
}

// uploadSession tracks one in-flight multipart upload: the backend large-file
// id it maps to, the parts recorded so far and its lifecycle state. Parts
// upload concurrently; the mutex guards only bookkeeping, never a body stream.
type uploadSession struct {
	id     string
	bucket string
	key    string
	fileID string

	mu           sync.Mutex
	state        sessionState
	parts        map[int]recordedPart
	lastActivity time.Time
}

// sessionTable holds all live upload sessions. Aborted sessions stay behind
// as tombstones until the sweeper clears them, keeping abort idempotent.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*uploadSession
	ttl      time.Duration
	now      func() time.Time
}

func newSessionTable(ttl time.Duration) *sessionTable {
	return &sessionTable{
		sessions: make(map[string]*uploadSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (t *sessionTable) create(bucket, key, fileID string) *uploadSession {
	s := &uploadSession{
		id:           uuid.NewString(),
		bucket:       bucket,
		key:          key,
		fileID:       fileID,
		parts:        make(map[int]recordedPart),
		lastActivity: t.now(),
	}
	t.mu.Lock()
	t.sessions[s.id] = s
	t.mu.Unlock()
	return s
}

// lookup returns the session for uploadID, requiring the bucket and key to
// match what the upload was created with.
func (t *sessionTable) lookup(bucket, key, uploadID string) (*uploadSession, error) {
	t.mu.Lock()
	s, ok := t.sessions[uploadID]
	t.mu.Unlock()
	if !ok || s.bucket != bucket || s.key != key {
		return nil, fmt.Errorf("upload %q: %w", uploadID, backend.ErrNoSuchUpload)
	}
	return s, nil
}

func (t *sessionTable) remove(uploadID string) {
	t.mu.Lock()
	delete(t.sessions, uploadID)
	t.mu.Unlock()
}

// expire returns sessions idle past the TTL and removes them from the table.
// Aborted tombstones age out the same way, so abort stays idempotent for a
// full TTL. The caller cancels any backend state.
func (t *sessionTable) expire() []*uploadSession {
	cutoff := t.now().Add(-t.ttl)
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*uploadSession
	for id, s := range t.sessions {
		s.mu.Lock()
		stale := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if stale {
			expired = append(expired, s)
			delete(t.sessions, id)
		}
	}
	return expired
}

// validateCompletion checks the client-supplied part list against the
// recorded parts. It returns the SHA1 digests in part order, or an error
// before any backend call is made. minPartSize binds every part except the
// final one. The caller holds s.mu.
func (s *uploadSession) validateCompletion(parts []backend.CompletedPart, minPartSize int64) ([]string, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty part list: %w", backend.ErrInvalidPart)
	}

	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return nil, fmt.Errorf("part numbers must be ascending and unique: %w", backend.ErrInvalidPartOrder)
		}
		prev = p.PartNumber
	}

	// The backend assembles parts 1..N contiguously, so the completion list
	// must name exactly the recorded parts.
	if len(parts) != len(s.parts) {
		return nil, fmt.Errorf("completion names %d of %d recorded parts: %w", len(parts), len(s.parts), backend.ErrInvalidPart)
	}

	sha1s := make([]string, 0, len(parts))
	for i, p := range parts {
		rec, ok := s.parts[p.PartNumber]
		if !ok {
			return nil, fmt.Errorf("part %d was never uploaded: %w", p.PartNumber, backend.ErrInvalidPart)
		}
		if p.ETag != "" && trimETag(p.ETag) != rec.sha1 {
			return nil, fmt.Errorf("part %d etag mismatch: %w", p.PartNumber, backend.ErrInvalidPart)
		}
		if i < len(parts)-1 && rec.size < minPartSize {
			return nil, fmt.Errorf("part %d is %d bytes, below the %d byte minimum: %w",
				p.PartNumber, rec.size, minPartSize, backend.ErrEntityTooSmall)
		}
		sha1s = append(sha1s, rec.sha1)
	}
	return sha1s, nil
}

// recordedParts returns the session's parts in part-number order.
func (s *uploadSession) recordedParts() []recordedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedPart, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].number < out[j].number })
	return out
}

// trimETag strips surrounding quotes so recorded digests compare equal to
// client-echoed ETag headers.
func trimETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}
