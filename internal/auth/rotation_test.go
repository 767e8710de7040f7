package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismgate/prismgate/caches"
)

func TestRotation_GraceWindow(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	oldHash := HashToken("sk-old-token")
	newHash := HashToken("sk-new-token")
	store.PutKey(&KeyRecord{
		TokenHash:            newHash,
		PreviousToken:        oldHash,
		PreviousTokenExpires: timePtr(now.Add(time.Hour)),
	})

	loader := NewLoader(caches.NewDualLocalOnly(), store, discardLogger())

	key := resolveRotated(context.Background(), loader, oldHash, 30*time.Second, now, discardLogger())
	require.NotNil(t, key, "pre-rotation token must authenticate inside the grace window")
	assert.Equal(t, newHash, key.TokenHash, "grace resolution yields the rotated key record")
}

func TestRotation_ExpiredGrace(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	oldHash := HashToken("sk-old-expired")
	store.PutKey(&KeyRecord{
		TokenHash:            HashToken("sk-new"),
		PreviousToken:        oldHash,
		PreviousTokenExpires: timePtr(now.Add(-time.Minute)),
	})

	loader := NewLoader(caches.NewDualLocalOnly(), store, discardLogger())
	key := resolveRotated(context.Background(), loader, oldHash, 30*time.Second, now, discardLogger())
	assert.Nil(t, key, "grace window is closed")
}

func TestRotation_NoGraceConfigured(t *testing.T) {
	store := NewMemoryStore()
	oldHash := HashToken("sk-never-rotated")
	store.PutKey(&KeyRecord{
		TokenHash:     HashToken("sk-current"),
		PreviousToken: oldHash,
		// No PreviousTokenExpires: no grace at all.
	})

	loader := NewLoader(caches.NewDualLocalOnly(), store, discardLogger())
	key := resolveRotated(context.Background(), loader, oldHash, 30*time.Second, time.Now(), discardLogger())
	assert.Nil(t, key)
}

func TestRotation_StoreFailureDegradesToNil(t *testing.T) {
	store := NewMemoryStore()
	store.FailWith(1, errors.New("connection refused"))

	loader := NewLoader(caches.NewDualLocalOnly(), store, discardLogger())
	key := resolveRotated(context.Background(), loader, HashToken("sk-x"), 30*time.Second, time.Now(), discardLogger())
	assert.Nil(t, key, "secondary index failure must not error out")
}
