package stats

import (
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	CollectStats = true
	defer func() { CollectStats = false }()
	Reset()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				IncStat(NBlocks)
			}
		}()
	}
	wg.Wait()
	AddStat(NConstants, 3)

	if got := GetStat(NBlocks); got != 800 {
		t.Errorf("NBlocks = %d, want 800", got)
	}
	if got := GetStat(NConstants); got != 3 {
		t.Errorf("NConstants = %d, want 3", got)
	}
	for i := 0; i < int(NStatCount); i++ {
		if StatName[StatType(i)] == "" {
			t.Errorf("stat %d has no name", i)
		}
	}
}

func TestDisabled(t *testing.T) {
	Reset()
	IncStat(NSeeds)
	if got := GetStat(NSeeds); got != 0 {
		t.Errorf("NSeeds = %d while collection is off", got)
	}
}
