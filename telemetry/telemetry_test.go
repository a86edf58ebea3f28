package telemetry

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestCountersAndGauges(t *testing.T) {
	s := NewStore(map[string]interface{}{"speed": 0.0})
	test.That(t, s.Get("speed"), test.ShouldEqual, 0.0)

	s.Set("speed", 1.5)
	test.That(t, s.Get("speed"), test.ShouldEqual, 1.5)

	test.That(t, s.Count(Join("fault", "gyro")), test.ShouldEqual, int64(0))
	test.That(t, s.Inc("fault.gyro"), test.ShouldEqual, int64(1))
	test.That(t, s.Inc("fault.gyro"), test.ShouldEqual, int64(2))
	test.That(t, s.Count("fault.gyro"), test.ShouldEqual, int64(2))

	test.That(t, s.Snapshot("fault."), test.ShouldResemble, map[string]interface{}{"fault.gyro": int64(2)})
	test.That(t, s.Keys(), test.ShouldResemble, []string{"fault.gyro", "speed"})
}

func TestConcurrentIncrements(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Inc("vision.accepted")
			}
		}()
	}
	wg.Wait()
	test.That(t, s.Count("vision.accepted"), test.ShouldEqual, int64(800))
}

func TestNilStore(t *testing.T) {
	var s *Store
	s.Set("a", 1)
	test.That(t, s.Inc("a"), test.ShouldEqual, int64(0))
	test.That(t, s.Get("a"), test.ShouldBeNil)
	test.That(t, s.Snapshot(""), test.ShouldBeEmpty)
}
