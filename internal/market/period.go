package market

import (
	"time"

	"github.com/xtrntr/p2pmarket/internal/apperr"
	"github.com/xtrntr/p2pmarket/internal/lifecycle"
	"github.com/xtrntr/p2pmarket/internal/models"
)

// Statistics periods are calendar days in Moscow time
var moscow = lifecycle.Moscow

const (
	PeriodToday     = "today"
	PeriodYesterday = "yesterday"
	PeriodWeek      = "week"
	PeriodAllTime   = "all_time"
	PeriodCustom    = "custom"
)

const dateLayout = "2006-01-02"

// PeriodQuery is the period selector of the statistics endpoints
type PeriodQuery struct {
	Period    string
	StartDate string
	EndDate   string
}

// Resolve turns the query into a half-open range of instants. Custom ranges
// include both end dates; week covers the last seven days plus today.
func (q PeriodQuery) Resolve(now time.Time) (models.Period, error) {
	local := now.In(moscow)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, moscow)
	day := 24 * time.Hour

	switch q.Period {
	case "", PeriodAllTime:
		return models.Period{}, nil
	case PeriodToday:
		return models.Period{Start: today, End: today.Add(day)}, nil
	case PeriodYesterday:
		return models.Period{Start: today.Add(-day), End: today}, nil
	case PeriodWeek:
		return models.Period{Start: today.AddDate(0, 0, -7), End: today.Add(day)}, nil
	case PeriodCustom:
		if q.StartDate == "" || q.EndDate == "" {
			return models.Period{}, apperr.Validation("start_date and end_date are required for a custom period")
		}
		start, err := time.ParseInLocation(dateLayout, q.StartDate, moscow)
		if err != nil {
			return models.Period{}, apperr.Validation("start_date must be YYYY-MM-DD")
		}
		end, err := time.ParseInLocation(dateLayout, q.EndDate, moscow)
		if err != nil {
			return models.Period{}, apperr.Validation("end_date must be YYYY-MM-DD")
		}
		if end.Before(start) {
			return models.Period{}, apperr.Validation("end_date must not be before start_date")
		}
		return models.Period{Start: start, End: end.AddDate(0, 0, 1)}, nil
	default:
		return models.Period{}, apperr.Validationf("unknown period %q", q.Period)
	}
}
