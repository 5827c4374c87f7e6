package stats

import "math"

// Welford инкрементальный расчет среднего и дисперсии по алгоритму Уэлфорда.
// Численно устойчив для потокового применения: стоимость добавления O(1),
// повторного суммирования буфера не требуется
type Welford struct {
	count int
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// NewWelford создает пустой аккумулятор
func NewWelford() *Welford {
	return &Welford{}
}

// Add добавляет значение в аккумулятор
func (w *Welford) Add(value float64) {
	w.count++
	if w.count == 1 {
		w.min = value
		w.max = value
	} else {
		if value < w.min {
			w.min = value
		}
		if value > w.max {
			w.max = value
		}
	}
	delta := value - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (value - w.mean)
}

// Count возвращает количество добавленных значений
func (w *Welford) Count() int {
	return w.count
}

// Mean возвращает текущее среднее
func (w *Welford) Mean() float64 {
	return w.mean
}

// Variance возвращает дисперсию генеральной совокупности
func (w *Welford) Variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count)
}

// StdDev возвращает стандартное отклонение
func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Min возвращает минимум добавленных значений
func (w *Welford) Min() float64 {
	return w.min
}

// Max возвращает максимум добавленных значений
func (w *Welford) Max() float64 {
	return w.max
}

// Reset очищает аккумулятор для повторного использования
func (w *Welford) Reset() {
	*w = Welford{}
}
