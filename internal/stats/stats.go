// Package stats реализует статистический анализ числовых последовательностей:
// описательные статистики, корреляцию, тренды и поиск выбросов.
// Все функции чистые и не хранят состояния между вызовами
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInsufficientData возвращается, когда точек недостаточно для вычисления
var ErrInsufficientData = errors.New("insufficient data")

// Descriptive содержит описательные статистики последовательности
type Descriptive struct {
	Count    int     `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Median   float64 `json:"median"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"stddev"`
	Skewness float64 `json:"skewness"`
	Kurtosis float64 `json:"kurtosis"`
	Q1       float64 `json:"q1"`
	Q3       float64 `json:"q3"`
	IQR      float64 `json:"iqr"`
	P95      float64 `json:"p95"`
	P99      float64 `json:"p99"`
}

// Mean возвращает среднее арифметическое
func Mean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), nil
}

// Median возвращает медиану (50-й перцентиль)
func Median(values []float64) (float64, error) {
	return Percentile(values, 50)
}

// Variance возвращает дисперсию генеральной совокупности
func Variance(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	mean, _ := Mean(values)
	sum := 0.0
	for _, v := range values {
		diff := v - mean
		sum += diff * diff
	}
	return sum / float64(len(values)), nil
}

// StdDev возвращает стандартное отклонение
func StdDev(values []float64) (float64, error) {
	variance, err := Variance(values)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(variance), nil
}

// Skewness возвращает коэффициент асимметрии.
// При нулевом отклонении асимметрия считается нулевой
func Skewness(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	mean, _ := Mean(values)
	stddev, _ := StdDev(values)
	if stddev == 0 {
		return 0, nil
	}
	n := float64(len(values))
	sum := 0.0
	for _, v := range values {
		d := (v - mean) / stddev
		sum += d * d * d
	}
	return sum / n, nil
}

// Kurtosis возвращает эксцесс (нормальное распределение дает 0)
func Kurtosis(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	mean, _ := Mean(values)
	stddev, _ := StdDev(values)
	if stddev == 0 {
		return 0, nil
	}
	n := float64(len(values))
	sum := 0.0
	for _, v := range values {
		d := (v - mean) / stddev
		sum += d * d * d * d
	}
	return sum/n - 3, nil
}

// Percentile возвращает перцентиль p (0-100) с линейной интерполяцией
// между соседними элементами отсортированной выборки
func Percentile(values []float64, p float64) (float64, error) {
	if len(values) == 0 {
		return 0, ErrInsufficientData
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("percentile out of range: %v", p)
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return interpolate(sorted, p), nil
}

// interpolate вычисляет перцентиль по уже отсортированной выборке
func interpolate(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Describe вычисляет все описательные статистики за один проход по
// отсортированной копии. Пустой вход дает ErrInsufficientData, а не NaN
func Describe(values []float64) (Descriptive, error) {
	if len(values) == 0 {
		return Descriptive{}, ErrInsufficientData
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := float64(len(values))
	mean, _ := Mean(values)
	variance, _ := Variance(values)
	stddev := math.Sqrt(variance)

	skewness := 0.0
	kurtosis := 0.0
	if stddev > 0 {
		var s3, s4 float64
		for _, v := range values {
			d := (v - mean) / stddev
			s3 += d * d * d
			s4 += d * d * d * d
		}
		skewness = s3 / n
		kurtosis = s4/n - 3
	}

	q1 := interpolate(sorted, 25)
	q3 := interpolate(sorted, 75)

	return Descriptive{
		Count:    len(values),
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     mean,
		Median:   interpolate(sorted, 50),
		Variance: variance,
		StdDev:   stddev,
		Skewness: skewness,
		Kurtosis: kurtosis,
		Q1:       q1,
		Q3:       q3,
		IQR:      q3 - q1,
		P95:      interpolate(sorted, 95),
		P99:      interpolate(sorted, 99),
	}, nil
}

// CorrelationResult результат корреляционного анализа
type CorrelationResult struct {
	Coefficient float64 `json:"coefficient"`
	PValue      float64 `json:"p_value"`
	SampleSize  int     `json:"sample_size"`
}

// Pearson вычисляет коэффициент корреляции Пирсона между двумя
// выровненными по времени последовательностями равной длины.
// P-value получается из t-распределения с n-2 степенями свободы
func Pearson(x, y []float64) (CorrelationResult, error) {
	if len(x) != len(y) {
		return CorrelationResult{}, fmt.Errorf("sequence length mismatch: %d != %d", len(x), len(y))
	}
	if len(x) < 3 {
		return CorrelationResult{}, ErrInsufficientData
	}

	n := float64(len(x))
	meanX, _ := Mean(x)
	meanY, _ := Mean(y)

	var numerator, denomX, denomY float64
	for i := range x {
		dx := x[i] - meanX
		dy := y[i] - meanY
		numerator += dx * dy
		denomX += dx * dx
		denomY += dy * dy
	}

	denominator := math.Sqrt(denomX * denomY)
	if denominator == 0 {
		// Одна из последовательностей константна - корреляция не определена
		return CorrelationResult{Coefficient: 0, PValue: 1, SampleSize: len(x)}, nil
	}

	r := numerator / denominator
	if r > 1 {
		r = 1
	} else if r < -1 {
		r = -1
	}

	df := n - 2
	pValue := 1.0
	if math.Abs(r) < 1 {
		t := r * math.Sqrt(df/(1-r*r))
		pValue = studentPValue(math.Abs(t), df)
	} else {
		pValue = 0
	}

	return CorrelationResult{
		Coefficient: r,
		PValue:      pValue,
		SampleSize:  len(x),
	}, nil
}

// studentPValue возвращает двусторонний p-value для статистики t
// с df степенями свободы через регуляризованную неполную бета-функцию
func studentPValue(t, df float64) float64 {
	x := df / (df + t*t)
	return regIncompleteBeta(df/2, 0.5, x)
}

// regIncompleteBeta вычисляет регуляризованную неполную бета-функцию I_x(a,b)
// методом непрерывных дробей (Lentz)
func regIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta, _ := math.Lgamma(a + b)
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	front := math.Exp(lbeta - la - lb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

// betaContinuedFraction разложение неполной бета-функции в непрерывную дробь
func betaContinuedFraction(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 3e-14
		tiny          = 1e-30
	)

	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d

	for m := 1; m <= maxIterations; m++ {
		m2 := float64(2 * m)
		fm := float64(m)

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < epsilon {
			break
		}
	}
	return h
}

// TrendType категория тренда
type TrendType string

const (
	TrendIncreasing TrendType = "increasing"
	TrendDecreasing TrendType = "decreasing"
	TrendStable     TrendType = "stable"
)

// TrendResult результат детекции тренда линейной регрессией
type TrendResult struct {
	Type      TrendType `json:"type"`
	Slope     float64   `json:"slope"`
	Intercept float64   `json:"intercept"`
	RSquared  float64   `json:"r_squared"`
}

// slopeThresholdFraction доля размаха значений на шаг, выше которой
// наклон считается значимым трендом
const slopeThresholdFraction = 0.001

// LinearRegression выполняет МНК-регрессию y по x.
// Возвращает наклон, пересечение и R²
func LinearRegression(x, y []float64) (slope, intercept, rSquared float64, err error) {
	if len(x) != len(y) {
		return 0, 0, 0, fmt.Errorf("sequence length mismatch: %d != %d", len(x), len(y))
	}
	if len(x) < 2 {
		return 0, 0, 0, ErrInsufficientData
	}

	meanX, _ := Mean(x)
	meanY, _ := Mean(y)

	var numerator, denominator float64
	for i := range x {
		dx := x[i] - meanX
		numerator += dx * (y[i] - meanY)
		denominator += dx * dx
	}

	if denominator == 0 {
		return 0, meanY, 0, nil
	}

	slope = numerator / denominator
	intercept = meanY - slope*meanX

	var ssTot, ssRes float64
	for i := range x {
		predicted := slope*x[i] + intercept
		ssTot += (y[i] - meanY) * (y[i] - meanY)
		ssRes += (y[i] - predicted) * (y[i] - predicted)
	}
	if ssTot != 0 {
		rSquared = 1 - ssRes/ssTot
	}
	return slope, intercept, rSquared, nil
}

// DetectTrend определяет тренд значений по индексу времени.
// Порог значимости наклона масштабируется размахом значений,
// чтобы категория не зависела от абсолютных величин
func DetectTrend(values []float64) (TrendResult, error) {
	if len(values) < 3 {
		return TrendResult{}, ErrInsufficientData
	}

	x := make([]float64, len(values))
	for i := range x {
		x[i] = float64(i)
	}

	slope, intercept, rSquared, err := LinearRegression(x, values)
	if err != nil {
		return TrendResult{}, err
	}

	minV := values[0]
	maxV := values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	valueRange := maxV - minV
	threshold := valueRange * slopeThresholdFraction
	if threshold == 0 {
		threshold = 1e-9
	}

	trendType := TrendStable
	if slope > threshold {
		trendType = TrendIncreasing
	} else if slope < -threshold {
		trendType = TrendDecreasing
	}

	return TrendResult{
		Type:      trendType,
		Slope:     slope,
		Intercept: intercept,
		RSquared:  rSquared,
	}, nil
}

// OutliersZScore возвращает индексы значений, чей z-score превышает порог.
// При нулевом отклонении выбросов нет - деления на ноль не происходит
func OutliersZScore(values []float64, threshold float64) ([]int, error) {
	if len(values) < 2 {
		return nil, ErrInsufficientData
	}
	mean, _ := Mean(values)
	stddev, _ := StdDev(values)
	if stddev == 0 {
		return []int{}, nil
	}

	var outliers []int
	for i, v := range values {
		if math.Abs((v-mean)/stddev) > threshold {
			outliers = append(outliers, i)
		}
	}
	if outliers == nil {
		outliers = []int{}
	}
	return outliers, nil
}

// OutliersIQR возвращает индексы значений вне границ
// [Q1 - k*IQR, Q3 + k*IQR]. Квартили считаются интерполяцией
func OutliersIQR(values []float64, multiplier float64) ([]int, error) {
	if len(values) < 4 {
		return nil, ErrInsufficientData
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := interpolate(sorted, 25)
	q3 := interpolate(sorted, 75)
	iqr := q3 - q1

	lower := q1 - multiplier*iqr
	upper := q3 + multiplier*iqr

	var outliers []int
	for i, v := range values {
		if v < lower || v > upper {
			outliers = append(outliers, i)
		}
	}
	if outliers == nil {
		outliers = []int{}
	}
	return outliers, nil
}
