package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThresholdForFallsBackToDefault(t *testing.T) {
	cfg := &Config{
		GroupThresholdDefault: 0.2,
		GroupThresholds:       map[string]float64{"pro": 0.4},
	}
	require.Equal(t, 0.4, cfg.ThresholdFor("pro"))
	require.Equal(t, 0.2, cfg.ThresholdFor("flash"))
}

func TestSetThresholdsIsSafeUnderConcurrentReads(t *testing.T) {
	cfg := &Config{GroupThresholdDefault: 0.2}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = cfg.ThresholdFor("pro")
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		cfg.SetThresholds(0.3, map[string]float64{"pro": float64(j) / 1000})
	}
	wg.Wait()

	require.Equal(t, 0.3, cfg.ThresholdFor("unknown"))
}
