// Package anomaly реализует многометодную детекцию аномалий в окнах
// наблюдений: z-score, IQR, change-point, абсолютные пороги и ансамбль
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"time"

	"analytics-engine/internal/models"
	"analytics-engine/internal/stats"
)

// Пороги серьезности по z-score: <3 low, <5 medium, >=5 high
const (
	severityMediumSigma = 3.0
	severityHighSigma   = 5.0
)

// Config конфигурация детектора. Нулевой VoteThreshold означает
// большинство запрошенных методов
type Config struct {
	ZScoreThreshold   float64
	IQRMultiplier     float64
	ChangePointSigmas float64
	ThresholdMin      *float64
	ThresholdMax      *float64
	VoteThreshold     int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:   2.0,
		IQRMultiplier:     1.5,
		ChangePointSigmas: 3.0,
	}
}

// Validate проверяет пороги детектора. Некорректная конфигурация -
// ошибка на этапе конструирования, а не в рантайме
func (c Config) Validate() error {
	if c.ZScoreThreshold <= 0 {
		return fmt.Errorf("zscore threshold must be positive, got %v", c.ZScoreThreshold)
	}
	if c.IQRMultiplier <= 0 {
		return fmt.Errorf("iqr multiplier must be positive, got %v", c.IQRMultiplier)
	}
	if c.ChangePointSigmas <= 0 {
		return fmt.Errorf("changepoint sigmas must be positive, got %v", c.ChangePointSigmas)
	}
	if c.ThresholdMin != nil && c.ThresholdMax != nil && *c.ThresholdMin > *c.ThresholdMax {
		return fmt.Errorf("threshold min %v exceeds max %v", *c.ThresholdMin, *c.ThresholdMax)
	}
	if c.VoteThreshold < 0 {
		return fmt.Errorf("vote threshold must be non-negative, got %d", c.VoteThreshold)
	}
	return nil
}

// Detector выполняет детекцию аномалий настроенным набором методов.
// Состояния между вызовами Detect не хранит
type Detector struct {
	cfg Config
}

// NewDetector создает детектор, проверяя конфигурацию
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anomaly detector config: %w", err)
	}
	return &Detector{cfg: cfg}, nil
}

// Detect прогоняет запрошенные методы по значениям окна и собирает
// их вердикты в один дедуплицированный результат.
// MethodCombined в списке включает ансамблевую уверенность
func (d *Detector) Detect(
	metricName, windowID string,
	values []float64,
	timestamps []time.Time,
	methods []models.AnomalyMethod,
) (models.AnomalyResult, error) {
	if len(values) == 0 {
		return models.AnomalyResult{}, stats.ErrInsufficientData
	}
	if len(methods) == 0 {
		methods = []models.AnomalyMethod{
			models.MethodZScore,
			models.MethodIQR,
			models.MethodChangePoint,
		}
	}

	var evidence []models.AnomalyEvidence
	requested := 0
	wantCombined := false

	for _, method := range methods {
		switch method {
		case models.MethodZScore:
			evidence = append(evidence, d.detectZScore(values)...)
			requested++
		case models.MethodIQR:
			evidence = append(evidence, d.detectIQR(values)...)
			requested++
		case models.MethodChangePoint:
			evidence = append(evidence, d.detectChangePoint(values)...)
			requested++
		case models.MethodThreshold:
			evidence = append(evidence, d.detectThreshold(values)...)
			requested++
		case models.MethodCombined:
			wantCombined = true
		default:
			return models.AnomalyResult{}, fmt.Errorf("unknown detection method: %s", method)
		}
	}

	evidence = dedupEvidence(evidence)

	// Голосование: методы, давшие хотя бы одно свидетельство
	flagging := map[models.AnomalyMethod]bool{}
	bestScore := map[models.AnomalyMethod]float64{}
	for _, ev := range evidence {
		flagging[ev.Method] = true
		if ev.Score > bestScore[ev.Method] {
			bestScore[ev.Method] = ev.Score
		}
	}

	voteThreshold := d.cfg.VoteThreshold
	if voteThreshold == 0 {
		voteThreshold = requested/2 + requested%2
	}

	confidence := 0.0
	if requested > 0 {
		sum := 0.0
		for _, score := range bestScore {
			sum += score
		}
		confidence = sum / float64(requested)
	}
	if confidence > 1 {
		confidence = 1
	}

	if wantCombined {
		evidence = append(evidence, models.AnomalyEvidence{
			Method:    models.MethodCombined,
			Score:     confidence,
			IsAnomaly: len(flagging) >= voteThreshold && len(flagging) > 0,
			Severity:  severityByScore(confidence),
			Index:     -1,
			Reason:    fmt.Sprintf("%d of %d methods flagged", len(flagging), requested),
		})
	}

	ts := resultTimestamp(evidence, timestamps)

	return models.AnomalyResult{
		MetricName:         metricName,
		WindowID:           windowID,
		Timestamp:          ts,
		Evidence:           evidence,
		CombinedConfidence: confidence,
		IsAnomaly:          len(flagging) > 0 && len(flagging) >= voteThreshold,
	}, nil
}

// detectZScore помечает точки, отстоящие от среднего дальше порога сигм
func (d *Detector) detectZScore(values []float64) []models.AnomalyEvidence {
	if len(values) < 3 {
		return nil
	}
	mean, _ := stats.Mean(values)
	stddev, _ := stats.StdDev(values)
	if stddev == 0 {
		return nil
	}

	var evidence []models.AnomalyEvidence
	for i, v := range values {
		z := math.Abs((v - mean) / stddev)
		if z > d.cfg.ZScoreThreshold {
			evidence = append(evidence, models.AnomalyEvidence{
				Method:    models.MethodZScore,
				Score:     math.Min(z/severityHighSigma, 1),
				IsAnomaly: true,
				Severity:  severityBySigma(z),
				Index:     i,
				Value:     v,
				Reason:    fmt.Sprintf("z-score %.2f exceeds %.2f", z, d.cfg.ZScoreThreshold),
			})
		}
	}
	return evidence
}

// detectIQR помечает точки вне границ [Q1-k*IQR, Q3+k*IQR]
func (d *Detector) detectIQR(values []float64) []models.AnomalyEvidence {
	if len(values) < 4 {
		return nil
	}

	desc, err := stats.Describe(values)
	if err != nil {
		return nil
	}
	lower := desc.Q1 - d.cfg.IQRMultiplier*desc.IQR
	upper := desc.Q3 + d.cfg.IQRMultiplier*desc.IQR

	var evidence []models.AnomalyEvidence
	for i, v := range values {
		if v >= lower && v <= upper {
			continue
		}
		distance := v - upper
		if v < lower {
			distance = lower - v
		}
		score := math.Min(distance/math.Max(desc.IQR, 0.1)/5, 1)

		severity := models.SeverityLow
		if score > 0.7 {
			severity = models.SeverityHigh
		} else if score > 0.4 {
			severity = models.SeverityMedium
		}

		evidence = append(evidence, models.AnomalyEvidence{
			Method:    models.MethodIQR,
			Score:     score,
			IsAnomaly: true,
			Severity:  severity,
			Index:     i,
			Value:     v,
			Reason:    fmt.Sprintf("outside bounds [%.2f, %.2f]", lower, upper),
		})
	}
	return evidence
}

// detectChangePoint сравнивает средние первой и второй половины окна.
// Сдвиг больше настроенного числа стандартных отклонений объединенной
// выборки считается аномалией на точке разреза
func (d *Detector) detectChangePoint(values []float64) []models.AnomalyEvidence {
	if len(values) < 4 {
		return nil
	}

	split := len(values) / 2
	firstMean, _ := stats.Mean(values[:split])
	secondMean, _ := stats.Mean(values[split:])
	pooledStdDev, _ := stats.StdDev(values)
	if pooledStdDev == 0 {
		return nil
	}

	shiftSigmas := math.Abs(secondMean-firstMean) / pooledStdDev
	if shiftSigmas <= d.cfg.ChangePointSigmas {
		return nil
	}

	return []models.AnomalyEvidence{{
		Method:    models.MethodChangePoint,
		Score:     math.Min(shiftSigmas/severityHighSigma, 1),
		IsAnomaly: true,
		Severity:  severityBySigma(shiftSigmas),
		Index:     split,
		Value:     values[split],
		Reason:    fmt.Sprintf("mean shift of %.2f sigma between window halves", shiftSigmas),
	}}
}

// detectThreshold помечает значения вне абсолютных границ [min, max],
// независимо от распределения
func (d *Detector) detectThreshold(values []float64) []models.AnomalyEvidence {
	if d.cfg.ThresholdMin == nil && d.cfg.ThresholdMax == nil {
		return nil
	}

	var evidence []models.AnomalyEvidence
	for i, v := range values {
		var reason string
		if d.cfg.ThresholdMin != nil && v < *d.cfg.ThresholdMin {
			reason = fmt.Sprintf("below minimum %.2f", *d.cfg.ThresholdMin)
		}
		if d.cfg.ThresholdMax != nil && v > *d.cfg.ThresholdMax {
			reason = fmt.Sprintf("above maximum %.2f", *d.cfg.ThresholdMax)
		}
		if reason == "" {
			continue
		}
		evidence = append(evidence, models.AnomalyEvidence{
			Method:    models.MethodThreshold,
			Score:     1,
			IsAnomaly: true,
			Severity:  models.SeverityHigh,
			Index:     i,
			Value:     v,
			Reason:    reason,
		})
	}
	return evidence
}

// dedupEvidence сливает свидетельства одного метода по одной точке,
// оставляя с наибольшим score, и сортирует результат по индексу
func dedupEvidence(evidence []models.AnomalyEvidence) []models.AnomalyEvidence {
	type key struct {
		method models.AnomalyMethod
		index  int
	}
	best := make(map[key]models.AnomalyEvidence, len(evidence))
	for _, ev := range evidence {
		k := key{ev.Method, ev.Index}
		if existing, ok := best[k]; !ok || ev.Score > existing.Score {
			best[k] = ev
		}
	}

	result := make([]models.AnomalyEvidence, 0, len(best))
	for _, ev := range best {
		result = append(result, ev)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Index != result[j].Index {
			return result[i].Index < result[j].Index
		}
		return result[i].Method < result[j].Method
	})
	return result
}

// resultTimestamp выбирает метку самого весомого свидетельства,
// по умолчанию - последнюю метку окна
func resultTimestamp(evidence []models.AnomalyEvidence, timestamps []time.Time) time.Time {
	ts := time.Now().UTC()
	if len(timestamps) > 0 {
		ts = timestamps[len(timestamps)-1]
	}
	bestScore := -1.0
	for _, ev := range evidence {
		if ev.Index >= 0 && ev.Index < len(timestamps) && ev.Score > bestScore {
			bestScore = ev.Score
			ts = timestamps[ev.Index]
		}
	}
	return ts
}

// severityBySigma переводит величину отклонения в сигмах в серьезность
func severityBySigma(sigmas float64) models.Severity {
	switch {
	case sigmas >= severityHighSigma:
		return models.SeverityHigh
	case sigmas >= severityMediumSigma:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// severityByScore переводит нормированный score [0,1] в серьезность
func severityByScore(score float64) models.Severity {
	switch {
	case score >= 0.8:
		return models.SeverityHigh
	case score >= 0.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
