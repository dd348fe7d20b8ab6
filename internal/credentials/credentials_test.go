package credentials

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalwatch/internal/config"
	"signalwatch/internal/storage"
)

var hex16 = regexp.MustCompile(`^[0-9a-f]{16}$`)

func newTestStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), config.SQLiteConfig{Path: storage.MemoryPath})
	require.NoError(t, err)
	require.NoError(t, db.InitSchema(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsure_GetOrCreate(t *testing.T) {
	db := newTestStore(t)
	p := NewProvisioner(db, nil)
	ctx := context.Background()

	first, err := p.Ensure(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "detector-42", first.Username)
	assert.Regexp(t, hex16, first.Secret)
	assert.True(t, first.Created)

	again, err := p.Ensure(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, first.Secret, again.Secret)
	assert.False(t, again.Created)

	other, err := p.Ensure(ctx, 43)
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, other.Secret)

	all, err := db.Detectors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEnsure_RejectsBadInput(t *testing.T) {
	p := NewProvisioner(newTestStore(t), nil)
	_, err := p.Ensure(context.Background(), 0)
	assert.Error(t, err)
	_, err = p.Register(context.Background(), "   ")
	assert.Error(t, err)
}

type racingStore struct {
	*storage.DB
	winner string
}

// InsertDetector simulates another writer registering the same username first.
func (r *racingStore) InsertDetector(ctx context.Context, d storage.Detector) (bool, error) {
	d.Secret = r.winner
	if _, err := r.DB.InsertDetector(ctx, d); err != nil {
		return false, err
	}
	return false, nil
}

func TestRegister_ConcurrentRegistrationKeepsStoredSecret(t *testing.T) {
	store := &racingStore{DB: newTestStore(t), winner: "00112233aabbccdd"}
	creds, err := NewProvisioner(store, nil).Register(context.Background(), "publisher")
	require.NoError(t, err)
	assert.Equal(t, "00112233aabbccdd", creds.Secret)
	assert.False(t, creds.Created)
}

func TestNewSecret(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := NewSecret()
		require.NoError(t, err)
		assert.Regexp(t, hex16, s)
		assert.False(t, seen[s])
		seen[s] = true
	}
}
