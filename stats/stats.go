package stats

import (
	log "github.com/sirupsen/logrus"
	"sync"
)

type StatType int

const (
	// Program shape.
	NClasses StatType = iota
	NMethods
	NBlocks
	NExcludedMethods
	NUnlinkedMethods

	// Slicing work.
	NSeeds
	NRegisterSearches
	NFieldSearches
	NArraySearches
	NReturnSearches
	NRejectedFuzzy
	NConstants
	NAbortedSeeds
	NLoggedErrors

	// Must be the last.
	NStatCount
)

var StatName = map[StatType]string{
	NClasses:          "Classes",
	NMethods:          "Methods",
	NBlocks:           "Basic blocks",
	NExcludedMethods:  "Excluded methods",
	NUnlinkedMethods:  "Methods with unlinked blocks",
	NSeeds:            "Slicing seeds",
	NRegisterSearches: "Register searches",
	NFieldSearches:    "Field searches",
	NArraySearches:    "Array searches",
	NReturnSearches:   "Return value searches",
	NRejectedFuzzy:    "Rejected (fuzzy level)",
	NConstants:        "Constants",
	NAbortedSeeds:     "Aborted seeds",
	NLoggedErrors:     "Logged errors",
}

var (
	mu    sync.Mutex
	count = make(map[StatType]int)
)

var CollectStats = false

func IncStat(whichStat StatType) {
	AddStat(whichStat, 1)
}

func AddStat(whichStat StatType, n int) {
	if !CollectStats {
		return
	}
	mu.Lock()
	count[whichStat] += n
	mu.Unlock()
}

func GetStat(whichStat StatType) int {
	mu.Lock()
	defer mu.Unlock()
	return count[whichStat]
}

// Reset clears all counters.
func Reset() {
	mu.Lock()
	count = make(map[StatType]int)
	mu.Unlock()
}

func ShowStats() {
	log.Info("------ STATS ------")
	for i := 0; i < int(NStatCount); i++ {
		stat := StatType(i)
		log.Infof("  %-30s:%10d", StatName[stat], GetStat(stat))
	}
	log.Info("-------------------")
}
