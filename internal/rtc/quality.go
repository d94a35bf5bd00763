package rtc

import "time"

// Quality is the coarse 0..4 connection quality shown to the user.
// 4 is excellent, 0 is unusable.
type Quality int

const (
	QualityDead      Quality = 0
	QualityBad       Quality = 1
	QualityPoor      Quality = 2
	QualityGood      Quality = 3
	QualityExcellent Quality = 4
)

// gradeSample maps one RTT/loss measurement to a quality level. Loss
// is a fraction in [0,1].
func gradeSample(rtt time.Duration, loss float64) Quality {
	switch {
	case rtt <= 150*time.Millisecond && loss <= 0.02:
		return QualityExcellent
	case rtt <= 300*time.Millisecond && loss <= 0.05:
		return QualityGood
	case rtt <= 500*time.Millisecond && loss <= 0.10:
		return QualityPoor
	case rtt <= 800*time.Millisecond && loss <= 0.20:
		return QualityBad
	default:
		return QualityDead
	}
}

// qualityWindow smooths grades over the last few samples so a single
// delayed stats read does not flap the indicator.
type qualityWindow struct {
	samples []Quality
	size    int
}

func newQualityWindow(size int) *qualityWindow {
	if size < 1 {
		size = 1
	}
	return &qualityWindow{size: size}
}

// push adds a sample and returns the smoothed level: the median of the
// window, rounding down when the window has even length.
func (w *qualityWindow) push(q Quality) Quality {
	w.samples = append(w.samples, q)
	if len(w.samples) > w.size {
		w.samples = w.samples[1:]
	}
	sorted := make([]Quality, len(w.samples))
	copy(sorted, w.samples)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted[(len(sorted)-1)/2]
}
