package mqtt

import (
	"sync"
	"testing"
	"time"
)

func TestDailyTokens_Record(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnTokens(100, 200)
	dt.OnTokens(50, 75)

	input, output, turns := dt.Snapshot()
	if input != 150 {
		t.Errorf("input = %d, want 150", input)
	}
	if output != 275 {
		t.Errorf("output = %d, want 275", output)
	}
	if turns != 2 {
		t.Errorf("turns = %d, want 2", turns)
	}
}

func TestDailyTokens_Snapshot_ZeroInitially(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	input, output, turns := dt.Snapshot()
	if input != 0 || output != 0 || turns != 0 {
		t.Errorf("got (%d, %d, %d), want (0, 0, 0)", input, output, turns)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dt.OnTokens(10, 20)
		}()
	}
	wg.Wait()

	input, output, turns := dt.Snapshot()
	if input != 1000 {
		t.Errorf("input = %d, want 1000", input)
	}
	if output != 2000 {
		t.Errorf("output = %d, want 2000", output)
	}
	if turns != 100 {
		t.Errorf("turns = %d, want 100", turns)
	}
}

func TestDailyTokens_MidnightReset(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	dt.OnTokens(500, 600)

	// Simulate date change by manipulating the resetDay field directly.
	dt.mu.Lock()
	dt.resetDay = time.Now().In(dt.loc).YearDay() - 1
	dt.mu.Unlock()

	// Next Snapshot should detect the day change and reset.
	input, output, turns := dt.Snapshot()
	if input != 0 || output != 0 || turns != 0 {
		t.Errorf("after reset got (%d, %d, %d), want (0, 0, 0)", input, output, turns)
	}
}

func TestDailyTokens_NilLocation(t *testing.T) {
	dt := NewDailyTokens(nil)
	if dt.loc != time.Local {
		t.Error("nil location should default to time.Local")
	}
	dt.OnTokens(1, 1)
	input, _, _ := dt.Snapshot()
	if input != 1 {
		t.Errorf("input = %d, want 1", input)
	}
}
