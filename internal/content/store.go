package content

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ipfs/go-cid"

	xerrors "mechx/internal/errors"
)

// Store is a content-addressed blob store.
type Store interface {
	// Put stores raw and returns its content address.
	Put(ctx context.Context, raw []byte) (cid.Cid, error)
	// Get returns the content at path, "<cid>" or "<cid>/<name>".
	Get(ctx context.Context, path string) ([]byte, error)
}

// BuildMetadata renders the JSON document uploaded for one request. Extra
// attributes are merged first so prompt, tool and nonce cannot be overridden.
func BuildMetadata(prompt, tool string, extra map[string]any) ([]byte, error) {
	doc := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		doc[k] = v
	}
	doc["prompt"] = prompt
	doc["tool"] = tool
	doc["nonce"] = uuid.NewString()
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request metadata")
	}
	return raw, nil
}

// Upload stores one metadata document and returns its CID and digest.
func Upload(ctx context.Context, store Store, prompt, tool string, extra map[string]any) (cid.Cid, []byte, error) {
	raw, err := BuildMetadata(prompt, tool, extra)
	if err != nil {
		return cid.Undef, nil, err
	}
	c, err := store.Put(ctx, raw)
	if err != nil {
		return cid.Undef, nil, err
	}
	digest, err := Digest(c)
	if err != nil {
		return cid.Undef, nil, err
	}
	return c, digest, nil
}

// MemoryStore keeps content in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, raw []byte) (cid.Cid, error) {
	c := sumCID(raw)
	if !c.Defined() {
		return cid.Undef, xerrors.New(xerrors.CodeStorageFailure, "hash content")
	}
	s.mu.Lock()
	s.blobs[c.KeyString()] = append([]byte(nil), raw...)
	s.mu.Unlock()
	return c, nil
}

// PutAt stores raw under "<c>/<name>", mirroring how mechs publish results
// inside a directory named by the delivery CID.
func (s *MemoryStore) PutAt(c cid.Cid, name string, raw []byte) {
	s.mu.Lock()
	s.blobs[c.KeyString()+"/"+name] = append([]byte(nil), raw...)
	s.mu.Unlock()
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	root, rest, _ := strings.Cut(strings.Trim(path, "/"), "/")
	c, err := Parse(root)
	if err != nil {
		return nil, err
	}
	key := c.KeyString()
	if rest != "" {
		key += "/" + rest
	}
	s.mu.RLock()
	raw, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "content not found: "+path)
	}
	return append([]byte(nil), raw...), nil
}
