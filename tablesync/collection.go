package tablesync

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ChangeKind string

const (
	// the whole sequence was replaced
	ChangeReset   ChangeKind = "Reset"
	ChangeAdded   ChangeKind = "Added"
	ChangeRemoved ChangeKind = "Removed"
	// a local record was assigned its id
	ChangeUpdated ChangeKind = "Updated"
)

type ChangeEvent[R Record] struct {
	Kind ChangeKind
	// position of the record for added, removed and updated
	Index  int
	Record R
	// snapshot of the new sequence for reset
	Records []R
}

type ChangeFunction[R Record] func(changeEvent *ChangeEvent[R])

func DefaultSyncedCollectionSettings() *SyncedCollectionSettings {
	return &SyncedCollectionSettings{
		Label:                  "Record",
		MatchMode:              MatchDayOfMonth,
		RestoreOnDeleteFailure: false,
	}
}

type SyncedCollectionSettings struct {
	// used in notification titles, e.g. "Unable To Insert Reminder"
	Label     string
	MatchMode MatchMode
	// two phase removal. when the remote delete fails the record is put back
	// at its previous position. off by default, matching the optimistic removal
	// existing clients expect.
	RestoreOnDeleteFailure bool
}

type insertState struct {
	// removed from the sequence while the insert was in flight
	removed bool
	// closed when the insert finished, `err` is set before
	done chan struct{}
	err  error
}

func newInsertState() *insertState {
	return &insertState{
		done: make(chan struct{}),
	}
}

// SyncedCollection is an ordered, observable sequence of records bound to a
// remote table. Local mutation happens first, remote persistence second.
//
// Records with an empty id are local. `Commit` inserts each of them at most
// once; a record that acquired an id is never submitted again.
// All mutation goes through the collection's operations. Each operation holds
// the state lock only for its synchronous part; remote calls run unlocked.
type SyncedCollection[R Record] struct {
	table    RemoteTable[R]
	query    *DateFilteredQuery[R]
	settings *SyncedCollectionSettings

	stateLock         sync.Mutex
	records           []R
	inserting         map[R]*insertState
	refreshGeneration uint64
	// counts applied refreshes
	resetGeneration uint64

	changeCallbacks       *CallbackList[ChangeFunction[R]]
	notificationCallbacks *CallbackList[NotificationFunction]
	changes               *eventQueue[*ChangeEvent[R]]
	notifications         *eventQueue[*Notification]

	log LogFunction
}

func NewSyncedCollectionWithDefaults[R Record](table RemoteTable[R]) *SyncedCollection[R] {
	return NewSyncedCollection[R](table, DefaultSyncedCollectionSettings())
}

func NewSyncedCollection[R Record](table RemoteTable[R], settings *SyncedCollectionSettings) *SyncedCollection[R] {
	syncedCollection := &SyncedCollection[R]{
		table:                 table,
		query:                 NewDateFilteredQueryWithMode[R](table, settings.MatchMode),
		settings:              settings,
		records:               []R{},
		inserting:             map[R]*insertState{},
		changeCallbacks:       NewCallbackList[ChangeFunction[R]](),
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		log:                   LogFn(LogLevelSync, fmt.Sprintf("collection %s", table.TableName())),
	}
	syncedCollection.changes = newEventQueue(syncedCollection.deliverChange)
	syncedCollection.notifications = newEventQueue(syncedCollection.deliverNotification)
	return syncedCollection
}

func (self *SyncedCollection[R]) AddChangeCallback(changeCallback ChangeFunction[R]) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *SyncedCollection[R]) AddNotificationCallback(notificationCallback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(notificationCallback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

// a copy of the current sequence
func (self *SyncedCollection[R]) Records() []R {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.records)
}

func (self *SyncedCollection[R]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.records)
}

func (self *SyncedCollection[R]) State(record R) RecordState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return stateOf(record, 0 <= self.indexOf(record))
}

// must be called with `stateLock`
func (self *SyncedCollection[R]) indexOf(record R) int {
	return slices.Index(self.records, record)
}

// Refresh replaces the whole sequence with the records of the day. Local
// records that were never committed are discarded. A failed refresh leaves the
// sequence untouched. When refreshes overlap only the latest one applies.
func (self *SyncedCollection[R]) Refresh(date time.Time) error {
	var generation uint64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.refreshGeneration += 1
		generation = self.refreshGeneration
	}()

	records, err := self.query.FetchForDate(date)
	if err != nil {
		self.notify(NotificationTitleConnection, err)
		return err
	}

	applied := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if generation != self.refreshGeneration {
			return
		}
		self.records = slices.Clone(records)
		self.resetGeneration += 1
		self.changes.Push(&ChangeEvent[R]{
			Kind:    ChangeReset,
			Index:   -1,
			Records: slices.Clone(records),
		})
		applied = true
	}()
	self.changes.Drain()

	if applied {
		self.log("refresh %s (%d) = %d records", date.Format(time.DateOnly), generation, len(records))
	} else {
		glog.Infof("[collection %s]discard stale refresh %s (%d)\n", self.table.TableName(), date.Format(time.DateOnly), generation)
	}
	return nil
}

// Add appends a local record. No remote call is made until `Commit`.
// Returns false if this instance is already in the sequence.
func (self *SyncedCollection[R]) Add(record R) bool {
	added := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if 0 <= self.indexOf(record) {
			return
		}
		self.records = append(self.records, record)
		self.changes.Push(&ChangeEvent[R]{
			Kind:   ChangeAdded,
			Index:  len(self.records) - 1,
			Record: record,
		})
		added = true
	}()
	self.changes.Drain()
	return added
}

// Commit inserts every local record, sequentially in sequence order.
// Each failure is surfaced once and leaves its record local for a later commit.
func (self *SyncedCollection[R]) Commit() error {
	return self.commit(func(record R) bool {
		return true
	}, false)
}

// AddAndCommit adds the record and commits only that record.
// If a concurrent commit is already inserting the record, this waits for that
// insert and returns its outcome.
func (self *SyncedCollection[R]) AddAndCommit(record R) error {
	self.Add(record)
	return self.commit(func(candidate R) bool {
		return candidate == record
	}, true)
}

// the narrow capability handed to an editor that only creates records
func (self *SyncedCollection[R]) Adder() func(record R) error {
	return self.AddAndCommit
}

// with `waitOwned`, records whose insert belongs to another commit are
// waited on and their outcome is included in the result
func (self *SyncedCollection[R]) commit(include func(R) bool, waitOwned bool) error {
	pending := []R{}
	pendingStates := []*insertState{}
	owned := []*insertState{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, record := range self.records {
			if !record.RecordId().IsZero() {
				continue
			}
			if !include(record) {
				continue
			}
			if state, ok := self.inserting[record]; ok {
				// another commit owns this record
				if waitOwned {
					owned = append(owned, state)
				}
				continue
			}
			state := newInsertState()
			self.inserting[record] = state
			pending = append(pending, record)
			pendingStates = append(pendingStates, state)
		}
	}()

	errs := []error{}
	for i, record := range pending {
		if err := self.insert(record, pendingStates[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for _, state := range owned {
		<-state.done
		if state.err != nil {
			errs = append(errs, state.err)
		}
	}
	self.log("commit %d records, %d waited, %d failed", len(pending), len(owned), len(errs))
	return errors.Join(errs...)
}

// `state` must be the entry of `inserting[record]` created by the caller
func (self *SyncedCollection[R]) insert(record R, state *insertState) error {
	result, err := await(func(callback ApiCallback[R]) {
		self.table.Insert(record, callback)
	})
	if err != nil {
		remoteFailure := asRemoteFailure(OpInsert, self.table.TableName(), err)
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.inserting, record)
			state.err = remoteFailure
		}()
		close(state.done)
		self.notify(fmt.Sprintf(notificationTitleInsert, self.settings.Label), remoteFailure)
		return remoteFailure
	}

	compensate := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		delete(self.inserting, record)

		record.SetRecordId(result.RecordId())
		if i := self.indexOf(record); 0 <= i {
			self.changes.Push(&ChangeEvent[R]{
				Kind:   ChangeUpdated,
				Index:  i,
				Record: record,
			})
		} else if state.removed {
			compensate = true
		}
	}()
	close(state.done)
	self.changes.Drain()

	if compensate {
		// the user removed the record before the backend accepted it
		glog.Infof("[collection %s]compensating delete %s\n", self.table.TableName(), record.RecordId())
		if _, err := await(func(callback ApiCallback[bool]) {
			self.table.Delete(record, callback)
		}); err != nil {
			self.notify(fmt.Sprintf(notificationTitleRemove, self.settings.Label), asRemoteFailure(OpDelete, self.table.TableName(), err))
		}
	}
	return nil
}

// Remove takes the record out of the sequence immediately, then deletes it
// remotely if it was ever persisted. A failed delete is surfaced; the record
// is only put back when `RestoreOnDeleteFailure` is set and no refresh
// replaced the sequence while the delete was in flight.
func (self *SyncedCollection[R]) Remove(record R) error {
	index := -1
	var id Id
	var resetGeneration uint64
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		index = self.indexOf(record)
		if index < 0 {
			return
		}
		self.records = slices.Delete(self.records, index, index+1)
		self.changes.Push(&ChangeEvent[R]{
			Kind:   ChangeRemoved,
			Index:  index,
			Record: record,
		})
		id = record.RecordId()
		resetGeneration = self.resetGeneration
		if state, ok := self.inserting[record]; ok {
			state.removed = true
		}
	}()
	self.changes.Drain()

	if index < 0 || id.IsZero() {
		return nil
	}

	_, err := await(func(callback ApiCallback[bool]) {
		self.table.Delete(record, callback)
	})
	if err == nil {
		self.log("removed %s", id)
		return nil
	}

	remoteFailure := asRemoteFailure(OpDelete, self.table.TableName(), err)
	if self.settings.RestoreOnDeleteFailure {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()

			if resetGeneration != self.resetGeneration {
				// the sequence now belongs to a later refresh
				return
			}
			if 0 <= self.indexOf(record) {
				return
			}
			restoreIndex := min(index, len(self.records))
			self.records = slices.Insert(self.records, restoreIndex, record)
			self.changes.Push(&ChangeEvent[R]{
				Kind:   ChangeAdded,
				Index:  restoreIndex,
				Record: record,
			})
		}()
		self.changes.Drain()
	}
	self.notify(fmt.Sprintf(notificationTitleRemove, self.settings.Label), remoteFailure)
	return remoteFailure
}

func (self *SyncedCollection[R]) notify(title string, err error) {
	notification := newNotification(title, err)
	glog.Infof("[collection %s]%s\n", self.table.TableName(), notification)
	self.notifications.Push(notification)
	self.notifications.Drain()
}

func (self *SyncedCollection[R]) deliverChange(changeEvent *ChangeEvent[R]) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		guard("change", func() {
			changeCallback(changeEvent)
		})
	}
}

func (self *SyncedCollection[R]) deliverNotification(notification *Notification) {
	for _, notificationCallback := range self.notificationCallbacks.Get() {
		guard("notification", func() {
			notificationCallback(notification)
		})
	}
}
