package transport

import (
	"testing"
	"time"
)

func TestPolicyIsMonotonicUpToCeiling(t *testing.T) {
	p := NewPolicy(100*time.Millisecond, 1600*time.Millisecond)

	want := []time.Duration{100, 200, 400, 800, 1600, 1600, 1600}
	var prev time.Duration
	for i, w := range want {
		d := p.Decide()
		if d.GiveUp {
			t.Fatalf("attempt %d: policy gave up", i)
		}
		if d.Delay != w*time.Millisecond {
			t.Errorf("attempt %d: delay = %v, want %v", i, d.Delay, w*time.Millisecond)
		}
		if d.Delay < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", i, d.Delay, prev)
		}
		prev = d.Delay
	}
}

func TestPolicyResetsAfterOpen(t *testing.T) {
	p := NewPolicy(50*time.Millisecond, time.Second)
	for i := 0; i < 4; i++ {
		p.Decide()
	}
	p.Reset()

	if d := p.Decide(); d.Delay != 50*time.Millisecond {
		t.Errorf("delay after reset = %v, want 50ms", d.Delay)
	}
}

// TestPolicyNeverGivesUp checks that long outages keep retrying at the ceiling.
func TestPolicyNeverGivesUp(t *testing.T) {
	p := NewPolicy(time.Millisecond, 4*time.Millisecond)
	for i := 0; i < 1000; i++ {
		if p.Decide().GiveUp {
			t.Fatalf("policy gave up after %d failures", i)
		}
	}
}

func TestPolicyCeilingBelowBase(t *testing.T) {
	p := NewPolicy(time.Second, time.Millisecond)
	if d := p.Decide(); d.Delay != time.Second {
		t.Errorf("delay = %v, want base 1s", d.Delay)
	}
}
