package tablesync

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// the remote-assigned id of a record
// the zero value means the record has never been accepted by the backend
type Id string

// backends mint ulids, which sort by creation time
func NewId() Id {
	return Id(ulid.Make().String())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return "", fmt.Errorf("Invalid id %q: %w", idStr, err)
	}
	return Id(id.String()), nil
}

func (self Id) IsZero() bool {
	return self == ""
}

func (self Id) String() string {
	return string(self)
}

// Record is implemented by pointer types. The collection tracks records by
// instance identity, so the type must be comparable.
type Record interface {
	comparable
	RecordId() Id
	SetRecordId(id Id)
	RecordDate() time.Time
	TableName() string
}

// record state is implicit in the id and membership in a collection
type RecordState string

const (
	RecordStateLocal     RecordState = "Local"
	RecordStatePersisted RecordState = "Persisted"
	RecordStateRemoved   RecordState = "Removed"
)

func stateOf[R Record](record R, present bool) RecordState {
	if !present {
		return RecordStateRemoved
	}
	if record.RecordId().IsZero() {
		return RecordStateLocal
	}
	return RecordStatePersisted
}

type ReminderItem struct {
	Id        Id        `json:"id,omitempty"`
	Date      time.Time `json:"date"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"created_by,omitempty"`
}

func NewReminderItem(date time.Time, text string) *ReminderItem {
	return &ReminderItem{
		Date: date,
		Text: text,
	}
}

func (self *ReminderItem) RecordId() Id {
	return self.Id
}

func (self *ReminderItem) SetRecordId(id Id) {
	self.Id = id
}

func (self *ReminderItem) RecordDate() time.Time {
	return self.Date
}

func (self *ReminderItem) TableName() string {
	return "ReminderItem"
}

func (self *ReminderItem) String() string {
	return fmt.Sprintf("reminder(%s %s %q)", self.Id, self.Date.Format(time.DateOnly), self.Text)
}

// one row per day
type MealItem struct {
	Id             Id        `json:"id,omitempty"`
	Date           time.Time `json:"date"`
	Breakfast      string    `json:"breakfast"`
	Lunch          string    `json:"lunch"`
	Dinner         string    `json:"dinner"`
	IsFormalDinner bool      `json:"is_formal_dinner"`
	CreatedBy      string    `json:"created_by,omitempty"`
}

func NewMealItem(date time.Time) *MealItem {
	return &MealItem{
		Date: date,
	}
}

func (self *MealItem) RecordId() Id {
	return self.Id
}

func (self *MealItem) SetRecordId(id Id) {
	self.Id = id
}

func (self *MealItem) RecordDate() time.Time {
	return self.Date
}

func (self *MealItem) TableName() string {
	return "MealItem"
}

func (self *MealItem) String() string {
	return fmt.Sprintf("meals(%s %s)", self.Id, self.Date.Format(time.DateOnly))
}
