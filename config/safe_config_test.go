package config

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeConfig_ThreadSafety(t *testing.T) {
	safeConfig := NewSafeConfig(Default())

	const numGoroutines = 20
	const numOperations = 200

	var wg sync.WaitGroup
	errs := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations; j++ {
				cfg := safeConfig.Get()
				if url := cfg.Backend.BaseURL; url != "http://localhost:3000" && url != "http://updated:3000" {
					errs <- fmt.Errorf("unexpected backend url: %s", url)
					return
				}
			}
		}()
	}

	for i := 0; i < numGoroutines/2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numOperations/10; j++ {
				next := Default()
				next.Backend.BaseURL = "http://updated:3000"
				if err := safeConfig.Update(next); err != nil {
					errs <- fmt.Errorf("update failed: %w", err)
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent access error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("test timed out - possible deadlock")
	}
}

func TestSafeConfig_NilHandling(t *testing.T) {
	safeConfig := NewSafeConfig(nil)
	require.NotNil(t, safeConfig.Get())
	assert.Error(t, safeConfig.Update(nil))
}

func TestSafeConfig_ValidationDuringUpdate(t *testing.T) {
	safeConfig := NewSafeConfig(Default())

	invalid := Default()
	invalid.Settings.Kind = "redis"
	require.Error(t, safeConfig.Update(invalid))

	assert.Equal(t, SettingsKindFile, safeConfig.Get().Settings.Kind)
}

func TestSafeConfig_GetReturnsCopies(t *testing.T) {
	safeConfig := NewSafeConfig(Default())

	cfg1 := safeConfig.Get()
	cfg2 := safeConfig.Get()
	cfg1.Backend.BaseURL = "http://modified"
	cfg1.Kafka.Brokers = append(cfg1.Kafka.Brokers, "extra:9092")

	assert.Equal(t, "http://localhost:3000", cfg2.Backend.BaseURL)
	assert.Len(t, cfg2.Kafka.Brokers, 1)
	assert.Equal(t, "http://localhost:3000", safeConfig.Get().Backend.BaseURL)
}
