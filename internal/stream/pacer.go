package stream

import "time"

// pacer limits a stream to a target frame rate with hysteresis. A frame
// arriving sooner than the target interval T after the last sent frame is
// dropped only while the smoothed interval of sent frames is also below T,
// so a source running slightly fast is not halved.
type pacer struct {
	target time.Duration
	period time.Duration
	last   time.Time
	avg    float64 // smoothed interval in seconds
}

func newPacer(fps int) pacer {
	if fps <= 0 {
		return pacer{}
	}
	target := time.Second / time.Duration(fps)
	return pacer{
		target: target,
		period: max(time.Second, 10*target),
	}
}

// admit reports whether a frame captured at t should be sent and, if so,
// records it. The interval is measured from the last admitted frame.
func (p *pacer) admit(t time.Time) bool {
	if p.last.IsZero() {
		p.last = t
		return true
	}
	dt := t.Sub(p.last)
	if dt < 0 {
		dt = 0
	}
	if p.target > 0 && dt < p.target && p.avg < p.target.Seconds() {
		return false
	}
	if p.target > 0 {
		// a gap counts for at most one smoothing period
		sample := min(dt, p.period).Seconds()
		P, T := p.period.Seconds(), p.target.Seconds()
		p.avg = p.avg*(P-T)/P + sample*T/P
	}
	p.last = t
	return true
}

// interval is the smoothed interval between sent frames.
func (p *pacer) interval() time.Duration {
	return time.Duration(p.avg * float64(time.Second))
}
