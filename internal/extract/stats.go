package extract

import "github.com/fyrsmithlabs/inkdex/internal/story"

// UnitStats summarizes a batch of extracted units for observability.
type UnitStats struct {
	// Count is the total number of units.
	Count int `json:"count"`

	// ByType breaks the count down per source entity type.
	ByType map[story.EntityType]int `json:"by_type"`

	// AverageLength is the mean unit text length in characters.
	AverageLength int `json:"average_length"`
}

// Stats computes summary statistics over extracted units.
func Stats(units []Unit) UnitStats {
	stats := UnitStats{
		ByType: make(map[story.EntityType]int),
	}
	if len(units) == 0 {
		return stats
	}

	total := 0
	for _, u := range units {
		stats.ByType[u.SourceType]++
		total += len(u.Text)
	}
	stats.Count = len(units)
	stats.AverageLength = total / len(units)
	return stats
}
