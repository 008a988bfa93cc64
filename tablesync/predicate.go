package tablesync

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type MatchMode string

const (
	// compares only the day of month, ignoring month and year.
	// this is the behavior existing clients depend on. see DESIGN.md open questions.
	MatchDayOfMonth MatchMode = "DayOfMonth"
	// compares year, month and day
	MatchCalendarDate MatchMode = "CalendarDate"
)

const DateField = "date"

// Predicate selects records by the calendar day of a date field.
// Dates are compared in the offset they were recorded with, so a record
// entered for the 15th matches day 15 regardless of the reader's zone.
type Predicate struct {
	Field string
	Mode  MatchMode
	Year  int
	Month time.Month
	Day   int
}

func DayOfMonthEquals(field string, day int) *Predicate {
	return &Predicate{
		Field: field,
		Mode:  MatchDayOfMonth,
		Day:   day,
	}
}

func DateEquals(field string, date time.Time) *Predicate {
	year, month, day := date.Date()
	return &Predicate{
		Field: field,
		Mode:  MatchCalendarDate,
		Year:  year,
		Month: month,
		Day:   day,
	}
}

func (self *Predicate) Match(date time.Time) bool {
	year, month, day := date.Date()
	switch self.Mode {
	case MatchCalendarDate:
		return year == self.Year && month == self.Month && day == self.Day
	default:
		return day == self.Day
	}
}

// odata style `$filter` expression
func (self *Predicate) Encode() string {
	switch self.Mode {
	case MatchCalendarDate:
		return fmt.Sprintf(
			"year(%s) eq %d and month(%s) eq %d and day(%s) eq %d",
			self.Field, self.Year,
			self.Field, int(self.Month),
			self.Field, self.Day,
		)
	default:
		return fmt.Sprintf("day(%s) eq %d", self.Field, self.Day)
	}
}

func (self *Predicate) String() string {
	if self == nil {
		return "all"
	}
	return self.Encode()
}

var predicateClausePattern = regexp.MustCompile(`^\(?\s*(year|month|day)\(\s*(\w+)\s*\)\s+eq\s+(\d+)\s*\)?$`)

func ParsePredicate(filter string) (*Predicate, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return nil, fmt.Errorf("Empty filter")
	}

	parts := map[string]int{}
	field := ""
	for _, clause := range strings.Split(filter, " and ") {
		groups := predicateClausePattern.FindStringSubmatch(strings.TrimSpace(clause))
		if groups == nil {
			return nil, fmt.Errorf("Unsupported filter clause %q", clause)
		}
		part, clauseField := groups[1], groups[2]
		if field == "" {
			field = clauseField
		} else if field != clauseField {
			return nil, fmt.Errorf("Filter mixes fields %s and %s", field, clauseField)
		}
		if _, ok := parts[part]; ok {
			return nil, fmt.Errorf("Filter repeats %s", part)
		}
		value, err := strconv.Atoi(groups[3])
		if err != nil {
			return nil, fmt.Errorf("Invalid %s value %q: %w", part, groups[3], err)
		}
		parts[part] = value
	}

	day, hasDay := parts["day"]
	if !hasDay || day < 1 || 31 < day {
		return nil, fmt.Errorf("Filter must select a day between 1 and 31")
	}
	year, hasYear := parts["year"]
	month, hasMonth := parts["month"]
	switch {
	case !hasYear && !hasMonth:
		return DayOfMonthEquals(field, day), nil
	case hasYear && hasMonth:
		if month < 1 || 12 < month {
			return nil, fmt.Errorf("Filter month must be between 1 and 12")
		}
		return &Predicate{
			Field: field,
			Mode:  MatchCalendarDate,
			Year:  year,
			Month: time.Month(month),
			Day:   day,
		}, nil
	default:
		return nil, fmt.Errorf("Filter must select year and month together")
	}
}
