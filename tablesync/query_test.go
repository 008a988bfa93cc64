package tablesync

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFetchForDateEmpty(t *testing.T) {
	query := NewDateFilteredQuery[*ReminderItem](newReminderTable())

	records, err := query.FetchForDate(day(2024, time.March, 15))
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, records)
	assert.Equal(t, 0, len(records))

	_, found, err := query.FetchFirstForDate(day(2024, time.March, 15))
	assert.Equal(t, nil, err)
	assert.Equal(t, false, found)
}

func TestFetchFirstForDate(t *testing.T) {
	table := newMealTable()
	first := NewMealItem(day(2024, time.March, 15))
	first.Dinner = "first"
	second := NewMealItem(day(2024, time.March, 15))
	second.Dinner = "second"
	table.seed(first, second)

	query := NewDateFilteredQuery[*MealItem](table)
	mealItem, found, err := query.FetchFirstForDate(day(2024, time.April, 15))
	assert.Equal(t, nil, err)
	assert.Equal(t, true, found)
	assert.Equal(t, "first", mealItem.Dinner)
}

func TestFetchForDateWrapsFailures(t *testing.T) {
	table := newReminderTable()
	table.queryErr = errFake
	query := NewDateFilteredQuery[*ReminderItem](table)

	_, err := query.FetchForDate(day(2024, time.March, 15))
	assert.Equal(t, true, IsRemoteFailure(err))
	assert.Equal(t, true, errors.Is(err, errFake))

	var remoteFailure *RemoteFailure
	assert.Equal(t, true, errors.As(err, &remoteFailure))
	assert.Equal(t, OpQuery, remoteFailure.Op)
	assert.Equal(t, FailureNetwork, remoteFailure.Kind)

	// remote failures pass through unchanged
	serverErr := serverFailure(OpQuery, "ReminderItem", 500, "boom")
	table.stateLock.Lock()
	table.queryErr = serverErr
	table.stateLock.Unlock()
	_, err = query.FetchForDate(day(2024, time.March, 15))
	assert.Equal(t, true, errors.As(err, &remoteFailure))
	assert.Equal(t, serverErr, remoteFailure)
}

func TestFetchForDateAsync(t *testing.T) {
	table := newReminderTable()
	table.seed(NewReminderItem(day(2024, time.March, 15), "a"))
	query := NewDateFilteredQuery[*ReminderItem](table)

	callback, c := NewBlockingApiCallback[[]*ReminderItem]()
	query.FetchForDateAsync(day(2024, time.March, 15), callback)
	result := <-c
	assert.Equal(t, nil, result.Error)
	assert.Equal(t, 1, len(result.Result))
}
