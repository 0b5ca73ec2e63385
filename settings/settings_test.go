package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

func TestSettings_Normalize(t *testing.T) {
	got := Settings{BrokerURL: "  ", Topics: []string{" a/b ", "", "a/b", "c"}}.Normalize()
	assert.Equal(t, DefaultBrokerURL, got.BrokerURL)
	assert.Equal(t, []string{"a/b", "c"}, got.Topics)

	assert.Equal(t, Default(), Settings{}.Normalize())
}

func TestSettings_Equal(t *testing.T) {
	a := Settings{BrokerURL: "tcp://b:1883", Topics: []string{"x", "y"}}
	assert.True(t, a.Equal(Settings{BrokerURL: "tcp://b:1883", Topics: []string{"x", "y"}}))
	assert.False(t, a.Equal(Settings{BrokerURL: "tcp://b:1883", Topics: []string{"y", "x"}}))
	assert.False(t, a.Equal(Settings{BrokerURL: "tcp://c:1883", Topics: []string{"x", "y"}}))
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{DefaultBrokerURL, true},
		{"tcp://broker.local:1883", true},
		{"mqtts://broker.local:8883", true},
		{"http://broker.local", false},
		{"tcp://", false},
		{"::bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := Settings{BrokerURL: tt.url}.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsInvalid(err))
			}
		})
	}
}

func TestFileStore_LoadMissingReturnsDefault(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	want := Settings{BrokerURL: "tcp://broker.local:1883", Topics: []string{"finca/+/temperatura"}}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// a second store on the same file sees the saved values
	other, err := NewFileStore(path)
	require.NoError(t, err)
	got, err = other.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFileStore_SaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	err = s.Save(context.Background(), Settings{BrokerURL: "ftp://nope"})
	assert.True(t, errors.IsInvalid(err))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileStore_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))

	s, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := s.Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrParsingFailed)
	assert.Equal(t, Default(), got)
}

func TestFileStore_Watch(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	updates, err := s.Watch(ctx)
	require.NoError(t, err)

	first := Settings{BrokerURL: "tcp://a:1883", Topics: []string{"t1"}}
	second := Settings{BrokerURL: "tcp://b:1883", Topics: []string{"t2"}}
	require.NoError(t, s.Save(context.Background(), first))
	require.NoError(t, s.Save(context.Background(), second))

	select {
	case got := <-updates:
		assert.Equal(t, second, got, "slow watcher sees only the latest")
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-updates
		return !open
	}, time.Second, 5*time.Millisecond)
}

func TestFileStore_CloseEndsWatches(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	require.NoError(t, err)

	updates, err := s.Watch(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, open := <-updates
	assert.False(t, open)
}

func TestNewFileStore_RequiresPath(t *testing.T) {
	_, err := NewFileStore("")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}
