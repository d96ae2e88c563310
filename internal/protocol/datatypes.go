package protocol

import "sort"

const (
	TypeNotes           = "notes"
	TypeFavorites       = "favorites"
	TypeSettings        = "settings"
	TypePlanProgress    = "planProgress"
	TypeTopics          = "topics"
	TypeDevotionals     = "devotionals"
	TypeVerseLists      = "verseLists"
	TypeActivePlan      = "activePlan"
	TypeReadingPosition = "readingPosition"
	TypeVerseVersions   = "verseVersions"
)

// SingletonID is the fixed item id of categories synced as a single item.
const SingletonID = "singleton"

type Addressing int

const (
	Singleton Addressing = iota
	PerRecord
)

var addressing = map[string]Addressing{
	TypeSettings:        Singleton,
	TypeActivePlan:      Singleton,
	TypeReadingPosition: Singleton,
	TypeVerseVersions:   Singleton,
	TypeTopics:          Singleton,
	TypeFavorites:       PerRecord,
	TypeNotes:           PerRecord,
	TypePlanProgress:    PerRecord,
	TypeVerseLists:      PerRecord,
	TypeDevotionals:     PerRecord,
}

// AddressingOf returns the addressing mode of a known data type.
func AddressingOf(dataType string) (Addressing, bool) {
	a, ok := addressing[dataType]
	return a, ok
}

func IsKnownType(dataType string) bool {
	_, ok := addressing[dataType]
	return ok
}

// DataTypes lists every known data type in a stable order.
func DataTypes() []string {
	out := make([]string, 0, len(addressing))
	for dt := range addressing {
		out = append(out, dt)
	}
	sort.Strings(out)
	return out
}
