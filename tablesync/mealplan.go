package tablesync

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const mealLabel = "Meals"

// MealPlan holds the single meal row of a day.
// Edits are applied to a copy and only replace the held row once the backend
// accepted them.
type MealPlan struct {
	table RemoteTable[*MealItem]
	query *DateFilteredQuery[*MealItem]

	stateLock sync.Mutex
	date      time.Time
	mealItem  *MealItem

	notificationCallbacks *CallbackList[NotificationFunction]
}

func NewMealPlan(table RemoteTable[*MealItem]) *MealPlan {
	return &MealPlan{
		table:                 table,
		query:                 NewDateFilteredQuery[*MealItem](table),
		notificationCallbacks: NewCallbackList[NotificationFunction](),
	}
}

func (self *MealPlan) AddNotificationCallback(notificationCallback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(notificationCallback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

// Load fetches the first meal row of the day. When the day has none, an
// unsaved row is held so `SetMeals` can create it.
func (self *MealPlan) Load(date time.Time) (*MealItem, error) {
	mealItem, found, err := self.query.FetchFirstForDate(date)
	if err != nil {
		self.notify(NotificationTitleConnection, err)
		return nil, err
	}
	if !found {
		mealItem = NewMealItem(date)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.date = date
	self.mealItem = mealItem
	return self.copyMealItem(), nil
}

// a copy of the held row, nil before the first load
func (self *MealPlan) MealItem() *MealItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.copyMealItem()
}

// must be called with `stateLock`
func (self *MealPlan) copyMealItem() *MealItem {
	if self.mealItem == nil {
		return nil
	}
	mealItem := *self.mealItem
	return &mealItem
}

// SetMeals inserts the day's row when it was never saved, otherwise updates it.
func (self *MealPlan) SetMeals(breakfast string, lunch string, dinner string, isFormalDinner bool) error {
	var original *MealItem
	var edited *MealItem
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		original = self.mealItem
		edited = self.copyMealItem()
	}()
	if edited == nil {
		return fmt.Errorf("Meals must be loaded before they are set")
	}

	edited.Breakfast = breakfast
	edited.Lunch = lunch
	edited.Dinner = dinner
	edited.IsFormalDinner = isFormalDinner

	var saved *MealItem
	var err error
	var title string
	var op string
	if edited.Id.IsZero() {
		op = OpInsert
		title = fmt.Sprintf(notificationTitleInsert, mealLabel)
		saved, err = await(func(callback ApiCallback[*MealItem]) {
			self.table.Insert(edited, callback)
		})
		if err == nil {
			edited.Id = saved.Id
		}
	} else {
		op = OpUpdate
		title = fmt.Sprintf(notificationTitleUpdate, mealLabel)
		updater, ok := self.table.(RemoteUpdater[*MealItem])
		if !ok {
			err = serverFailure(OpUpdate, self.table.TableName(), http.StatusMethodNotAllowed, "Table does not support update")
		} else {
			saved, err = await(func(callback ApiCallback[*MealItem]) {
				updater.Update(edited, callback)
			})
		}
	}
	if err != nil {
		remoteFailure := asRemoteFailure(op, self.table.TableName(), err)
		self.notify(title, remoteFailure)
		return remoteFailure
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// a load for another day may have happened meanwhile
	if self.mealItem == original {
		self.mealItem = edited
	}
	return nil
}

func (self *MealPlan) notify(title string, err error) {
	notification := newNotification(title, err)
	for _, notificationCallback := range self.notificationCallbacks.Get() {
		guard("meal plan notification", func() {
			notificationCallback(notification)
		})
	}
}

func (self *MealPlan) Date() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.date
}
