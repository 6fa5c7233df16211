package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDrainOrderProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("drain sends by priority, then enqueue order", prop.ForAll(
		func(prios []int) bool {
			clock := newClock()
			sender := &fakeSender{connected: true}
			q := New(sender, Options{MaxSize: 1000, Now: clock.Now})
			for i, p := range prios {
				q.Enqueue(fmt.Sprintf("%d:%d", p, i), nil, Priority(p))
				clock.Advance(time.Millisecond)
			}
			q.Drain()

			sent := sender.types()
			if len(sent) != len(prios) {
				return false
			}
			lastPrio, lastSeq := 4, -1
			for _, typ := range sent {
				var p, seq int
				if _, err := fmt.Sscanf(typ, "%d:%d", &p, &seq); err != nil {
					return false
				}
				if p > lastPrio || (p == lastPrio && seq < lastSeq) {
					return false
				}
				lastPrio, lastSeq = p, seq
			}
			return true
		},
		gen.SliceOf(gen.IntRange(int(PriorityLow), int(PriorityCritical))),
	))

	properties.TestingRun(t)
}

func TestSizeBoundProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("queue never exceeds MaxSize and keeps the highest priorities", prop.ForAll(
		func(maxSize int, prios []int) bool {
			q := New(&fakeSender{}, Options{MaxSize: maxSize, Now: newClock().Now})
			counts := make([]int, 4)
			for _, p := range prios {
				q.Enqueue("m", nil, Priority(p))
				counts[p]++
				if q.Len() > maxSize {
					return false
				}
			}
			// The survivors are the top maxSize messages by priority.
			want := make(map[string]int)
			left := maxSize
			for p := int(PriorityCritical); p >= int(PriorityLow) && left > 0; p-- {
				n := min(counts[p], left)
				if n > 0 {
					want[Priority(p).String()] = n
				}
				left -= n
			}
			got := q.Stats().ByPriority
			if len(got) != len(want) {
				return false
			}
			for k, v := range want {
				if got[k] != v {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.IntRange(int(PriorityLow), int(PriorityCritical))),
	))

	properties.TestingRun(t)
}
