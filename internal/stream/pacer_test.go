package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func feed(p *pacer, interval time.Duration, n int) (sent int) {
	start := time.Unix(1700000000, 0)
	for k := 0; k < n; k++ {
		if p.admit(start.Add(time.Duration(k) * interval)) {
			sent++
		}
	}
	return sent
}

func TestPacerAtTargetRateDropsNothing(t *testing.T) {
	p := newPacer(25)
	assert.Equal(t, 40*time.Millisecond, p.target)
	assert.Equal(t, time.Second, p.period)
	assert.Equal(t, 100, feed(&p, 40*time.Millisecond, 100))
	assert.Less(t, p.interval(), 40*time.Millisecond)
}

func TestPacerAtTwiceTargetRateDropsHalf(t *testing.T) {
	p := newPacer(25)
	sent := feed(&p, 20*time.Millisecond, 100)
	assert.InDelta(t, 50, sent, 5)
}

func TestPacerHysteresisSlightlyFast(t *testing.T) {
	// 10% fast: the sent rate should stay close to the target instead of
	// dropping every other frame.
	p := newPacer(25)
	sent := feed(&p, 36*time.Millisecond, 250)
	assert.Greater(t, sent, 180)
	assert.LessOrEqual(t, sent, 250)
}

func TestPacerSlowSourcePassesEverything(t *testing.T) {
	p := newPacer(30)
	assert.Equal(t, 50, feed(&p, 100*time.Millisecond, 50))
}

func TestPacerUnlimited(t *testing.T) {
	p := newPacer(0)
	assert.Equal(t, 100, feed(&p, time.Millisecond, 100))
	assert.Zero(t, p.interval())
}

func TestPacerLongPeriodForLowFPS(t *testing.T) {
	p := newPacer(1)
	assert.Equal(t, 10*time.Second, p.period)
}
