package tablesync

import (
	"time"
)

// DateFilteredQuery fetches the records of a table that fall on a given day.
// The ordering of the result is whatever the backend returns.
type DateFilteredQuery[R Record] struct {
	table     RemoteTable[R]
	field     string
	matchMode MatchMode
}

func NewDateFilteredQuery[R Record](table RemoteTable[R]) *DateFilteredQuery[R] {
	return NewDateFilteredQueryWithMode[R](table, MatchDayOfMonth)
}

func NewDateFilteredQueryWithMode[R Record](table RemoteTable[R], matchMode MatchMode) *DateFilteredQuery[R] {
	return &DateFilteredQuery[R]{
		table:     table,
		field:     DateField,
		matchMode: matchMode,
	}
}

func (self *DateFilteredQuery[R]) Predicate(date time.Time) *Predicate {
	switch self.matchMode {
	case MatchCalendarDate:
		return DateEquals(self.field, date)
	default:
		return DayOfMonthEquals(self.field, date.Day())
	}
}

// an empty match is an empty slice, never an error
func (self *DateFilteredQuery[R]) FetchForDate(date time.Time) ([]R, error) {
	records, err := await(func(callback ApiCallback[[]R]) {
		self.table.Query(self.Predicate(date), callback)
	})
	if err != nil {
		return nil, asRemoteFailure(OpQuery, self.table.TableName(), err)
	}
	if records == nil {
		records = []R{}
	}
	return records, nil
}

func (self *DateFilteredQuery[R]) FetchForDateAsync(date time.Time, callback ApiCallback[[]R]) {
	go func() {
		callback.Result(self.FetchForDate(date))
	}()
}

// the first record of the day in backend order
func (self *DateFilteredQuery[R]) FetchFirstForDate(date time.Time) (R, bool, error) {
	var empty R
	records, err := self.FetchForDate(date)
	if err != nil {
		return empty, false, err
	}
	if len(records) == 0 {
		return empty, false, nil
	}
	return records[0], true, nil
}
