package tablesync

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"sync"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var errFake = errors.New("fake failure")

// memoryTable is an in-process RemoteTable. Ids count up from `nextId`.
// Hooks run on the call goroutine before the result is computed,
// so a test can hold a call in flight.
type memoryTable[R Record] struct {
	tableName string
	clone     func(R) R

	stateLock sync.Mutex
	rows      []R
	nextId    int

	insertErr  func(record R) error
	deleteErr  error
	queryErr   error
	updateErr  error
	onInsert   func(call int)
	onDelete   func(call int)
	onQuery    func(call int)
	inserts    int
	deletes    int
	queries    int
	updates    int
	deletedIds []Id
}

func newReminderTable() *memoryTable[*ReminderItem] {
	return &memoryTable[*ReminderItem]{
		tableName: "ReminderItem",
		clone: func(reminderItem *ReminderItem) *ReminderItem {
			c := *reminderItem
			return &c
		},
		nextId: 7,
	}
}

func newMealTable() *memoryTable[*MealItem] {
	return &memoryTable[*MealItem]{
		tableName: "MealItem",
		clone: func(mealItem *MealItem) *MealItem {
			c := *mealItem
			return &c
		},
		nextId: 7,
	}
}

// stores rows as if they had been inserted earlier
func (self *memoryTable[R]) seed(records ...R) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, record := range records {
		row := self.clone(record)
		row.SetRecordId(Id(fmt.Sprintf("%d", self.nextId)))
		self.nextId += 1
		self.rows = append(self.rows, row)
	}
}

func (self *memoryTable[R]) counts() (inserts int, deletes int, queries int, updates int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.inserts, self.deletes, self.queries, self.updates
}

func (self *memoryTable[R]) rowCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rows)
}

func (self *memoryTable[R]) TableName() string {
	return self.tableName
}

func (self *memoryTable[R]) Insert(record R, callback ApiCallback[R]) {
	self.stateLock.Lock()
	call := self.inserts
	self.inserts += 1
	onInsert := self.onInsert
	self.stateLock.Unlock()

	// the record is serialized before the call returns
	row := self.clone(record)
	go func() {
		if onInsert != nil {
			onInsert(call)
		}

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		var empty R
		if self.insertErr != nil {
			if err := self.insertErr(row); err != nil {
				go callback.Result(empty, err)
				return
			}
		}
		row.SetRecordId(Id(fmt.Sprintf("%d", self.nextId)))
		self.nextId += 1
		self.rows = append(self.rows, row)
		go callback.Result(self.clone(row), nil)
	}()
}

func (self *memoryTable[R]) Delete(record R, callback ApiCallback[bool]) {
	id := record.RecordId()
	self.stateLock.Lock()
	call := self.deletes
	self.deletes += 1
	onDelete := self.onDelete
	self.stateLock.Unlock()

	go func() {
		if onDelete != nil {
			onDelete(call)
		}

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.deleteErr != nil {
			go callback.Result(false, self.deleteErr)
			return
		}
		self.deletedIds = append(self.deletedIds, id)
		self.rows = slices.DeleteFunc(self.rows, func(row R) bool {
			return row.RecordId() == id
		})
		go callback.Result(true, nil)
	}()
}

func (self *memoryTable[R]) Query(predicate *Predicate, callback ApiCallback[[]R]) {
	self.stateLock.Lock()
	call := self.queries
	self.queries += 1
	onQuery := self.onQuery
	self.stateLock.Unlock()

	go func() {
		if onQuery != nil {
			onQuery(call)
		}

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.queryErr != nil {
			go callback.Result(nil, self.queryErr)
			return
		}
		records := []R{}
		for _, row := range self.rows {
			if predicate == nil || predicate.Match(row.RecordDate()) {
				records = append(records, self.clone(row))
			}
		}
		go callback.Result(records, nil)
	}()
}

func (self *memoryTable[R]) Update(record R, callback ApiCallback[R]) {
	row := self.clone(record)
	go func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.updates += 1
		var empty R
		if self.updateErr != nil {
			go callback.Result(empty, self.updateErr)
			return
		}
		for i, existing := range self.rows {
			if existing.RecordId() == row.RecordId() {
				self.rows[i] = row
				go callback.Result(self.clone(row), nil)
				return
			}
		}
		go callback.Result(empty, serverFailure(OpUpdate, self.tableName, 404, "Not Found"))
	}()
}

// hides Update
type insertOnlyTable[R Record] struct {
	table *memoryTable[R]
}

func (self *insertOnlyTable[R]) TableName() string {
	return self.table.TableName()
}

func (self *insertOnlyTable[R]) Insert(record R, callback ApiCallback[R]) {
	self.table.Insert(record, callback)
}

func (self *insertOnlyTable[R]) Delete(record R, callback ApiCallback[bool]) {
	self.table.Delete(record, callback)
}

func (self *insertOnlyTable[R]) Query(predicate *Predicate, callback ApiCallback[[]R]) {
	self.table.Query(predicate, callback)
}

type recordedChange struct {
	kind  ChangeKind
	index int
	id    Id
	count int
}

// collects change events, safe to read while events arrive
type changeRecorder[R Record] struct {
	stateLock sync.Mutex
	changes   []recordedChange
}

func recordChanges[R Record](collection *SyncedCollection[R]) *changeRecorder[R] {
	changeRecorder := &changeRecorder[R]{}
	collection.AddChangeCallback(func(changeEvent *ChangeEvent[R]) {
		changeRecorder.stateLock.Lock()
		defer changeRecorder.stateLock.Unlock()
		recorded := recordedChange{
			kind:  changeEvent.Kind,
			index: changeEvent.Index,
			count: len(changeEvent.Records),
		}
		if changeEvent.Kind != ChangeReset {
			recorded.id = changeEvent.Record.RecordId()
		}
		changeRecorder.changes = append(changeRecorder.changes, recorded)
	})
	return changeRecorder
}

func (self *changeRecorder[R]) kinds() []ChangeKind {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	kinds := []ChangeKind{}
	for _, change := range self.changes {
		kinds = append(kinds, change.kind)
	}
	return kinds
}

func (self *changeRecorder[R]) all() []recordedChange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.changes)
}

type notificationRecorder struct {
	stateLock     sync.Mutex
	notifications []*Notification
}

func (self *notificationRecorder) add(notification *Notification) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.notifications = append(self.notifications, notification)
}

func (self *notificationRecorder) titles() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	titles := []string{}
	for _, notification := range self.notifications {
		titles = append(titles, notification.Title)
	}
	return titles
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}
