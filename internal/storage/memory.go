package storage

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type memObject struct {
	contentType string
	payload     []byte
}

// MemoryGateway is an in-memory Gateway for tests.
type MemoryGateway struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{objects: make(map[string]memObject)}
}

func (g *MemoryGateway) Put(_ context.Context, ownerID uuid.UUID, name, contentType string, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	g.objects[objectKey(ownerID, name)] = memObject{contentType: contentType, payload: buf}
	return nil
}

func (g *MemoryGateway) Read(_ context.Context, ownerID uuid.UUID, name string) ([]byte, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	obj, ok := g.objects[objectKey(ownerID, name)]
	if !ok {
		return nil, "", ErrObjectNotFound
	}
	return obj.payload, obj.contentType, nil
}

func (g *MemoryGateway) Delete(_ context.Context, ownerID uuid.UUID, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.objects, objectKey(ownerID, name))
	return nil
}

func (g *MemoryGateway) DeletePrefix(_ context.Context, ownerID uuid.UUID, prefix string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	full := objectKey(ownerID, prefix)
	for key := range g.objects {
		if strings.HasPrefix(key, full) {
			delete(g.objects, key)
		}
	}
	return nil
}

// Len reports how many objects are stored, for test assertions.
func (g *MemoryGateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.objects)
}

// Has reports whether the object exists, for test assertions.
func (g *MemoryGateway) Has(ownerID uuid.UUID, name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.objects[objectKey(ownerID, name)]
	return ok
}
