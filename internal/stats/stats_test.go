package stats

import (
	"errors"
	"math"
	"testing"
)

func TestDescribe_Basic(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	d, err := Describe(values)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}

	if d.Count != 8 {
		t.Errorf("Expected count 8, got %d", d.Count)
	}
	if math.Abs(d.Mean-5.0) > 0.001 {
		t.Errorf("Expected mean 5.0, got %.4f", d.Mean)
	}
	// Population stddev of this classic sequence is exactly 2
	if math.Abs(d.StdDev-2.0) > 0.001 {
		t.Errorf("Expected stddev 2.0, got %.4f", d.StdDev)
	}
	if d.Min != 2 || d.Max != 9 {
		t.Errorf("Expected min=2 max=9, got min=%.1f max=%.1f", d.Min, d.Max)
	}
}

func TestDescribe_OrderInvariants(t *testing.T) {
	sequences := [][]float64{
		{1},
		{5, 5, 5},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		{100, -50, 3.5, 0, 42, 7, 7, 7},
		{0.001, 0.002, 0.003},
	}

	for _, values := range sequences {
		d, err := Describe(values)
		if err != nil {
			t.Fatalf("Describe failed for %v: %v", values, err)
		}
		if d.Min > d.Median {
			t.Errorf("min > median for %v: %.4f > %.4f", values, d.Min, d.Median)
		}
		if d.Median > d.P95 {
			t.Errorf("median > p95 for %v: %.4f > %.4f", values, d.Median, d.P95)
		}
		if d.P95 > d.P99 {
			t.Errorf("p95 > p99 for %v: %.4f > %.4f", values, d.P95, d.P99)
		}
		if d.P99 > d.Max {
			t.Errorf("p99 > max for %v: %.4f > %.4f", values, d.P99, d.Max)
		}
	}
}

func TestDescribe_Empty(t *testing.T) {
	_, err := Describe(nil)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestMedian_EvenOdd(t *testing.T) {
	median, err := Median([]float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Median failed: %v", err)
	}
	if math.Abs(median-2.5) > 0.001 {
		t.Errorf("Expected median 2.5, got %.4f", median)
	}

	median, _ = Median([]float64{1, 2, 3, 4, 5})
	if math.Abs(median-3.0) > 0.001 {
		t.Errorf("Expected median 3.0, got %.4f", median)
	}
}

func TestPercentile_Interpolation(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}

	p95, err := Percentile(values, 95)
	if err != nil {
		t.Fatalf("Percentile failed: %v", err)
	}
	// rank = 0.95*9 = 8.55 -> 90 + 0.55*10 = 95.5
	if math.Abs(p95-95.5) > 0.001 {
		t.Errorf("Expected p95 95.5, got %.4f", p95)
	}

	p0, _ := Percentile(values, 0)
	p100, _ := Percentile(values, 100)
	if p0 != 10 || p100 != 100 {
		t.Errorf("Expected p0=10 p100=100, got %.1f %.1f", p0, p100)
	}
}

func TestSkewnessKurtosis_ZeroStdDev(t *testing.T) {
	values := []float64{5, 5, 5, 5}

	skew, err := Skewness(values)
	if err != nil || skew != 0 {
		t.Errorf("Expected zero skewness, got %.4f (err=%v)", skew, err)
	}

	kurt, err := Kurtosis(values)
	if err != nil || kurt != 0 {
		t.Errorf("Expected zero kurtosis, got %.4f (err=%v)", kurt, err)
	}
}

func TestPearson_PerfectCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{2, 4, 6, 8, 10}

	result, err := Pearson(x, y)
	if err != nil {
		t.Fatalf("Pearson failed: %v", err)
	}
	if math.Abs(result.Coefficient-1.0) > 0.001 {
		t.Errorf("Expected coefficient 1.0, got %.4f", result.Coefficient)
	}
	if result.PValue > 0.001 {
		t.Errorf("Expected near-zero p-value, got %.6f", result.PValue)
	}
}

func TestPearson_NegativeCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	y := []float64{10, 8, 6, 4, 2}

	result, err := Pearson(x, y)
	if err != nil {
		t.Fatalf("Pearson failed: %v", err)
	}
	if math.Abs(result.Coefficient+1.0) > 0.001 {
		t.Errorf("Expected coefficient -1.0, got %.4f", result.Coefficient)
	}
}

func TestPearson_InsufficientData(t *testing.T) {
	_, err := Pearson([]float64{1, 2}, []float64{3, 4})
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData for n<3, got %v", err)
	}
}

func TestPearson_ConstantSequence(t *testing.T) {
	result, err := Pearson([]float64{5, 5, 5, 5}, []float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("Pearson failed: %v", err)
	}
	if result.Coefficient != 0 {
		t.Errorf("Expected zero coefficient for constant input, got %.4f", result.Coefficient)
	}
}

func TestPearson_PValueMagnitude(t *testing.T) {
	// Weakly correlated data should have a large p-value
	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	y := []float64{3, 1, 4, 1, 5, 9, 2, 6}

	result, err := Pearson(x, y)
	if err != nil {
		t.Fatalf("Pearson failed: %v", err)
	}
	if result.PValue < 0.05 {
		t.Errorf("Expected insignificant p-value, got %.4f (r=%.4f)", result.PValue, result.Coefficient)
	}
}

func TestDetectTrend_Increasing(t *testing.T) {
	values := []float64{10, 12, 14, 16, 18, 20}

	trend, err := DetectTrend(values)
	if err != nil {
		t.Fatalf("DetectTrend failed: %v", err)
	}
	if trend.Type != TrendIncreasing {
		t.Errorf("Expected increasing trend, got %s", trend.Type)
	}
	if math.Abs(trend.Slope-2.0) > 0.001 {
		t.Errorf("Expected slope 2.0, got %.4f", trend.Slope)
	}
	if math.Abs(trend.RSquared-1.0) > 0.001 {
		t.Errorf("Expected R²=1.0 for linear data, got %.4f", trend.RSquared)
	}
}

func TestDetectTrend_Decreasing(t *testing.T) {
	values := []float64{100, 90, 80, 70, 60}

	trend, err := DetectTrend(values)
	if err != nil {
		t.Fatalf("DetectTrend failed: %v", err)
	}
	if trend.Type != TrendDecreasing {
		t.Errorf("Expected decreasing trend, got %s", trend.Type)
	}
}

func TestDetectTrend_Stable(t *testing.T) {
	values := []float64{50, 50.01, 49.99, 50, 50.02, 49.98}

	trend, err := DetectTrend(values)
	if err != nil {
		t.Fatalf("DetectTrend failed: %v", err)
	}
	if trend.Type != TrendStable {
		t.Errorf("Expected stable trend, got %s (slope=%.6f)", trend.Type, trend.Slope)
	}
}

func TestOutliersZScore_Basic(t *testing.T) {
	values := []float64{10, 12, 11, 9, 10, 500}

	outliers, err := OutliersZScore(values, 2.0)
	if err != nil {
		t.Fatalf("OutliersZScore failed: %v", err)
	}
	if len(outliers) != 1 || outliers[0] != 5 {
		t.Errorf("Expected outlier at index 5, got %v", outliers)
	}
}

func TestOutliersZScore_ZeroStdDev(t *testing.T) {
	values := []float64{7, 7, 7, 7, 7}

	outliers, err := OutliersZScore(values, 2.0)
	if err != nil {
		t.Fatalf("OutliersZScore failed on zero stddev: %v", err)
	}
	if len(outliers) != 0 {
		t.Errorf("Expected no outliers for constant sequence, got %v", outliers)
	}
}

func TestOutliersIQR_Basic(t *testing.T) {
	values := []float64{10, 12, 11, 9, 10, 500}

	outliers, err := OutliersIQR(values, 1.5)
	if err != nil {
		t.Fatalf("OutliersIQR failed: %v", err)
	}
	if len(outliers) != 1 || outliers[0] != 5 {
		t.Errorf("Expected outlier at index 5, got %v", outliers)
	}
}

func TestOutliersIQR_ZeroIQR(t *testing.T) {
	values := []float64{5, 5, 5, 5, 5, 5}

	outliers, err := OutliersIQR(values, 1.5)
	if err != nil {
		t.Fatalf("OutliersIQR failed on zero IQR: %v", err)
	}
	if len(outliers) != 0 {
		t.Errorf("Expected no outliers for constant sequence, got %v", outliers)
	}
}

func TestWelford_MatchesTwoPass(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	w := NewWelford()
	for _, v := range values {
		w.Add(v)
	}

	mean, _ := Mean(values)
	stddev, _ := StdDev(values)

	if math.Abs(w.Mean()-mean) > 1e-9 {
		t.Errorf("Welford mean %.6f != two-pass mean %.6f", w.Mean(), mean)
	}
	if math.Abs(w.StdDev()-stddev) > 1e-9 {
		t.Errorf("Welford stddev %.6f != two-pass stddev %.6f", w.StdDev(), stddev)
	}
	if w.Min() != 2 || w.Max() != 9 {
		t.Errorf("Expected min=2 max=9, got min=%.1f max=%.1f", w.Min(), w.Max())
	}
}

func TestWelford_NumericalStability(t *testing.T) {
	// Large offset values are where naive sum-of-squares loses precision
	w := NewWelford()
	base := 1e9
	for i := 0; i < 1000; i++ {
		w.Add(base + float64(i%10))
	}

	if w.StdDev() < 2.0 || w.StdDev() > 4.0 {
		t.Errorf("Welford stddev unstable for offset data: %.6f", w.StdDev())
	}
}

func BenchmarkDescribe(b *testing.B) {
	values := make([]float64, 1000)
	for i := range values {
		values[i] = float64(i % 97)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Describe(values)
	}
}

func BenchmarkWelfordAdd(b *testing.B) {
	w := NewWelford()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Add(float64(i % 100))
	}
}
