package anomaly

import (
	"errors"
	"testing"
	"time"

	"analytics-engine/internal/models"
	"analytics-engine/internal/stats"
)

func newTestDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := NewDetector(cfg)
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	return d
}

func makeTimestamps(n int) []time.Time {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = base.Add(time.Duration(i) * time.Second)
	}
	return ts
}

func TestDetect_EnsembleSpike(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())

	// The canonical spike case: both z-score and IQR must flag index 5
	values := []float64{10, 12, 11, 9, 10, 500}
	methods := []models.AnomalyMethod{models.MethodZScore, models.MethodIQR}

	result, err := d.Detect("latency", "w1", values, makeTimestamps(6), methods)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if !result.IsAnomaly {
		t.Error("Expected ensemble anomaly verdict")
	}
	if len(result.Evidence) < 2 {
		t.Fatalf("Expected at least 2 evidence entries, got %d", len(result.Evidence))
	}

	flagged := map[models.AnomalyMethod]int{}
	for _, ev := range result.Evidence {
		if ev.Index != 5 {
			t.Errorf("Evidence points at index %d, expected 5", ev.Index)
		}
		flagged[ev.Method]++
	}
	if flagged[models.MethodZScore] != 1 || flagged[models.MethodIQR] != 1 {
		t.Errorf("Expected one evidence entry per method, got %v", flagged)
	}
	if result.CombinedConfidence <= 0 || result.CombinedConfidence > 1 {
		t.Errorf("Confidence out of range: %.4f", result.CombinedConfidence)
	}
}

func TestDetect_NoAnomalyOnStableData(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())

	values := []float64{10, 11, 10, 12, 11, 10, 11, 12}
	result, err := d.Detect("cpu", "w1", values, makeTimestamps(8),
		[]models.AnomalyMethod{models.MethodZScore, models.MethodIQR, models.MethodChangePoint})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.IsAnomaly {
		t.Errorf("Unexpected anomaly on stable data: %+v", result.Evidence)
	}
}

func TestDetect_ZeroStdDev(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())

	values := []float64{5, 5, 5, 5, 5, 5}
	result, err := d.Detect("flat", "w1", values, makeTimestamps(6),
		[]models.AnomalyMethod{models.MethodZScore, models.MethodIQR})
	if err != nil {
		t.Fatalf("Detect must not fail on zero stddev: %v", err)
	}
	if len(result.Evidence) != 0 {
		t.Errorf("Expected no evidence for constant sequence, got %v", result.Evidence)
	}
}

func TestDetect_ChangePoint(t *testing.T) {
	d := newTestDetector(t, Config{
		ZScoreThreshold:   2.0,
		IQRMultiplier:     1.5,
		ChangePointSigmas: 1.0,
	})

	// Level shift between window halves
	values := []float64{10, 10, 11, 10, 50, 51, 50, 52}
	result, err := d.Detect("rate", "w1", values, makeTimestamps(8),
		[]models.AnomalyMethod{models.MethodChangePoint})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !result.IsAnomaly {
		t.Fatal("Expected change-point anomaly")
	}
	if result.Evidence[0].Index != 4 {
		t.Errorf("Expected change point at split index 4, got %d", result.Evidence[0].Index)
	}
}

func TestDetect_Threshold(t *testing.T) {
	min := 0.0
	max := 100.0
	d := newTestDetector(t, Config{
		ZScoreThreshold:   2.0,
		IQRMultiplier:     1.5,
		ChangePointSigmas: 3.0,
		ThresholdMin:      &min,
		ThresholdMax:      &max,
	})

	values := []float64{50, 60, 150, -5, 70}
	result, err := d.Detect("temp", "w1", values, makeTimestamps(5),
		[]models.AnomalyMethod{models.MethodThreshold})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(result.Evidence) != 2 {
		t.Fatalf("Expected 2 threshold violations, got %d", len(result.Evidence))
	}
	for _, ev := range result.Evidence {
		if ev.Severity != models.SeverityHigh {
			t.Errorf("Threshold violations must be high severity, got %s", ev.Severity)
		}
	}
}

func TestDetect_CombinedEvidence(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())

	values := []float64{10, 12, 11, 9, 10, 500}
	result, err := d.Detect("latency", "w1", values, makeTimestamps(6),
		[]models.AnomalyMethod{models.MethodZScore, models.MethodIQR, models.MethodCombined})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	var combined *models.AnomalyEvidence
	for i := range result.Evidence {
		if result.Evidence[i].Method == models.MethodCombined {
			combined = &result.Evidence[i]
		}
	}
	if combined == nil {
		t.Fatal("Expected combined evidence entry")
	}
	if !combined.IsAnomaly {
		t.Error("Combined evidence should agree with the ensemble verdict")
	}
}

func TestDetect_SeverityLadder(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())

	// A moderate outlier: z between 2 and 3 should map to low severity
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 16}
	result, err := d.Detect("m", "w1", values, makeTimestamps(10),
		[]models.AnomalyMethod{models.MethodZScore})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(result.Evidence) == 0 {
		t.Fatal("Expected z-score evidence")
	}
	if result.Evidence[0].Severity != models.SeverityLow {
		t.Errorf("Expected low severity, got %s (score=%.3f)",
			result.Evidence[0].Severity, result.Evidence[0].Score)
	}
}

func TestDetect_VoteThreshold(t *testing.T) {
	// Require all methods to agree
	cfg := DefaultConfig()
	cfg.VoteThreshold = 3
	d := newTestDetector(t, cfg)

	// Spike that z-score and IQR catch, but change-point does not
	values := []float64{10, 12, 11, 9, 10, 11, 10, 500}
	result, err := d.Detect("m", "w1", values, makeTimestamps(8),
		[]models.AnomalyMethod{models.MethodZScore, models.MethodIQR, models.MethodChangePoint})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if result.IsAnomaly {
		t.Error("Expected no anomaly verdict with unanimity vote threshold")
	}
	if len(result.Evidence) == 0 {
		t.Error("Evidence should still be reported even without the verdict")
	}
}

func TestDetect_EmptyInput(t *testing.T) {
	d := newTestDetector(t, DefaultConfig())

	_, err := d.Detect("m", "w1", nil, nil, nil)
	if !errors.Is(err, stats.ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestNewDetector_InvalidConfig(t *testing.T) {
	bad := []Config{
		{ZScoreThreshold: -1, IQRMultiplier: 1.5, ChangePointSigmas: 3},
		{ZScoreThreshold: 2, IQRMultiplier: 0, ChangePointSigmas: 3},
		{ZScoreThreshold: 2, IQRMultiplier: 1.5, ChangePointSigmas: -2},
	}
	for _, cfg := range bad {
		if _, err := NewDetector(cfg); err == nil {
			t.Errorf("Expected config error for %+v", cfg)
		}
	}

	min := 10.0
	max := 5.0
	cfg := DefaultConfig()
	cfg.ThresholdMin = &min
	cfg.ThresholdMax = &max
	if _, err := NewDetector(cfg); err == nil {
		t.Error("Expected config error for min > max")
	}
}

func BenchmarkDetect_AllMethods(b *testing.B) {
	d, _ := NewDetector(DefaultConfig())
	values := make([]float64, 200)
	for i := range values {
		values[i] = float64(i % 37)
	}
	values[100] = 10000
	ts := makeTimestamps(200)
	methods := []models.AnomalyMethod{
		models.MethodZScore, models.MethodIQR,
		models.MethodChangePoint, models.MethodCombined,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Detect("bench", "w1", values, ts, methods)
	}
}
