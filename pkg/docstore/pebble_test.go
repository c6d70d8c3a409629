package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestKV(t *testing.T) *PebbleKV {
	t.Helper()

	kv, err := NewPebbleKV(&Config{Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = kv.Close()
	})
	return kv
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:    "valid config",
			config:  Config{Path: "/tmp/db"},
			wantErr: false,
		},
		{
			name:    "missing path",
			config:  Config{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPebbleKVPutGet(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	key := []byte("/data/test/key1")
	value := []byte("value1")

	require.NoError(t, kv.Put(ctx, key, value))

	got, err := kv.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestPebbleKVGetNotFound(t *testing.T) {
	kv := newTestKV(t)

	_, err := kv.Get(context.Background(), []byte("/data/test/missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleKVDelete(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	key := []byte("/data/test/key1")
	require.NoError(t, kv.Put(ctx, key, []byte("value")))
	require.NoError(t, kv.Delete(ctx, key))

	_, err := kv.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPebbleKVHas(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	key := []byte("/data/test/key1")

	exists, err := kv.Has(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, kv.Put(ctx, key, []byte("value")))

	exists, err = kv.Has(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPebbleKVIterate(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("/data/a/%d", i))
		require.NoError(t, kv.Put(ctx, key, []byte(fmt.Sprintf("v%d", i))))
	}
	// Keys outside the prefix must not appear
	require.NoError(t, kv.Put(ctx, []byte("/data/b/0"), []byte("other")))

	var keys []string
	err := kv.Iterate(ctx, []byte("/data/a/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	})
	require.NoError(t, err)
	assert.Len(t, keys, 5)

	// Early termination
	count := 0
	err = kv.Iterate(ctx, []byte("/data/a/"), func(key, value []byte) bool {
		count++
		return count < 2
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPebbleKVPutIfAbsent(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	key := []byte("/data/test/once")

	created, err := kv.PutIfAbsent(ctx, key, []byte("first"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = kv.PutIfAbsent(ctx, key, []byte("second"))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := kv.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestPebbleKVUpdateSerialized(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	key := []byte("/data/test/counter")
	const workers = 20

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := kv.Update(ctx, key, func(current []byte) ([]byte, error) {
				var n int
				if current != nil {
					if err := json.Unmarshal(current, &n); err != nil {
						return nil, err
					}
				}
				return json.Marshal(n + 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	raw, err := kv.Get(ctx, key)
	require.NoError(t, err)

	var n int
	require.NoError(t, json.Unmarshal(raw, &n))
	assert.Equal(t, workers, n)
}

func TestPebbleKVApplyBatch(t *testing.T) {
	kv := newTestKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, []byte("/data/test/old"), []byte("old")))

	err := kv.ApplyBatch(ctx, []BatchOp{
		{Key: []byte("/data/test/old"), Remove: true},
		{Key: []byte("/data/test/new"), Value: []byte("new")},
	})
	require.NoError(t, err)

	_, err = kv.Get(ctx, []byte("/data/test/old"))
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := kv.Get(ctx, []byte("/data/test/new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestPebbleKVClosed(t *testing.T) {
	kv := newTestKV(t)
	require.NoError(t, kv.Close())

	err := kv.Put(context.Background(), []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"/data/a/", "/data/a0"},
		{"abc", "abd"},
	}

	for _, tt := range tests {
		got := prefixUpperBound([]byte(tt.prefix))
		assert.Equal(t, tt.want, string(got), "prefix %q", tt.prefix)
	}
}
