package stats

// EMA is an exponentially weighted moving average. The value is undefined
// until the first Update.
type EMA struct {
	alpha   float64
	value   float64
	started bool
}

// NewEMA creates an EMA with smoothing factor alpha in (0, 1]. Larger alpha
// weights recent observations more heavily.
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

func (e *EMA) Update(v float64) float64 {
	if !e.started {
		e.value = v
		e.started = true
		return e.value
	}
	e.value = e.alpha*v + (1-e.alpha)*e.value
	return e.value
}

func (e *EMA) Value() (float64, bool) {
	return e.value, e.started
}

func (e *EMA) Reset() {
	e.value = 0
	e.started = false
}

// RunningAverage accumulates a plain mean of all observed values.
type RunningAverage struct {
	sum float64
	n   int
}

func (r *RunningAverage) Update(v float64) float64 {
	r.sum += v
	r.n++
	return r.sum / float64(r.n)
}

func (r *RunningAverage) Value() (float64, bool) {
	if r.n == 0 {
		return 0, false
	}
	return r.sum / float64(r.n), true
}

func (r *RunningAverage) Count() int { return r.n }
