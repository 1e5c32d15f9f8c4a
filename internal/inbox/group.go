package inbox

import (
	"time"

	"github.com/nao1215/perfhub/pkg/event"
)

// DayGroup は同じ日に作成された通知のまとまり。
type DayGroup struct {
	// Day はその日の0時（loc基準）。作成日時が読めない通知はゼロ値にまとめる。
	Day time.Time
	// Records はその日の通知。元の順序を保つ。
	Records []event.Record
}

// GroupByDay は通知を作成日ごとにまとめる。
// グループは最初に現れた順に並ぶので、新しい順の入力からは新しい日から並ぶ。
func GroupByDay(recs []event.Record, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DayGroup
	index := make(map[time.Time]int)
	for _, r := range recs {
		var day time.Time
		if t, err := r.CreatedTime(); err == nil {
			t = t.In(loc)
			day = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		}
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DayGroup{Day: day})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}
