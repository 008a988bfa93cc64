package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"github.com/betachi/dailyupdate/tablesync"
)

const testAppKey = "test-app-key"

func newTestServer(t *testing.T) (*Api, *httptest.Server) {
	gin.SetMode(gin.TestMode)
	api, err := NewApi(ApiOptions{
		AppKey: testAppKey,
		Store:  NewMemoryTableStore(),
	})
	assert.Equal(t, nil, err)
	server := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		api.StopApi()
		server.Close()
	})
	return api, server
}

func TestApiOptions(t *testing.T) {
	_, err := NewApi(ApiOptions{Store: NewMemoryTableStore()})
	assert.NotEqual(t, nil, err)
	_, err = NewApi(ApiOptions{AppKey: testAppKey})
	assert.NotEqual(t, nil, err)
	_, err = StartApi(ApiOptions{AppKey: testAppKey, Store: NewMemoryTableStore()}, func(err error) {})
	assert.NotEqual(t, nil, err)
}

func TestApiRequiresAppKey(t *testing.T) {
	_, server := newTestServer(t)

	res, err := http.Get(server.URL + "/tables/ReminderItem")
	assert.Equal(t, nil, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	client := tablesync.NewTableClientWithDefaults(server.URL, "wrong-key")
	defer client.Close()
	_, err = tablesync.GetTable[*tablesync.ReminderItem](client).QuerySync(nil)
	var remoteFailure *tablesync.RemoteFailure
	assert.Equal(t, true, errors.As(err, &remoteFailure))
	assert.Equal(t, http.StatusUnauthorized, remoteFailure.StatusCode)
	assert.Equal(t, true, strings.Contains(remoteFailure.Message, "application key"))
}

func TestApiRejectsBadRequests(t *testing.T) {
	_, server := newTestServer(t)

	do := func(method string, path string, body string) int {
		req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
		assert.Equal(t, nil, err)
		req.Header.Set(tablesync.HeaderApplicationKey, testAppKey)
		res, err := http.DefaultClient.Do(req)
		assert.Equal(t, nil, err)
		res.Body.Close()
		return res.StatusCode
	}

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/tables/ReminderItem", "not json"))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/tables/ReminderItem?$filter=text+eq+1", ""))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/tables/1bad", ""))
	assert.Equal(t, http.StatusNotFound, do(http.MethodDelete, "/tables/ReminderItem/missing", ""))
	assert.Equal(t, http.StatusNotFound, do(http.MethodPatch, "/tables/ReminderItem/missing", "{}"))
}

func TestSyncedCollectionEndToEnd(t *testing.T) {
	_, server := newTestServer(t)

	busyAggregator := tablesync.NewBusyAggregator()
	settings := tablesync.DefaultTableClientSettings()
	settings.Middlewares = append(settings.Middlewares, busyAggregator.Middleware())
	client := tablesync.NewTableClient(server.URL, testAppKey, settings)
	defer client.Close()
	client.SetUserJwt(tablesync.NewUserJwtUnsigned("u1", "brad"))

	collectionSettings := tablesync.DefaultSyncedCollectionSettings()
	collectionSettings.Label = "Reminder"
	collection := tablesync.NewSyncedCollection[*tablesync.ReminderItem](
		tablesync.GetTable[*tablesync.ReminderItem](client),
		collectionSettings,
	)

	march15 := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	collection.Add(tablesync.NewReminderItem(march15, "a"))
	collection.Add(tablesync.NewReminderItem(march15.AddDate(0, 1, 0), "b"))
	collection.Add(tablesync.NewReminderItem(march15.AddDate(0, 0, 1), "c"))
	err := collection.Commit()
	assert.Equal(t, nil, err)
	for _, reminderItem := range collection.Records() {
		assert.Equal(t, false, reminderItem.Id.IsZero())
	}
	assert.Equal(t, false, busyAggregator.IsBusy())

	// a second screen sees the day's rows, matched by day of month
	other := tablesync.NewSyncedCollectionWithDefaults[*tablesync.ReminderItem](
		tablesync.GetTable[*tablesync.ReminderItem](client),
	)
	err = other.Refresh(march15)
	assert.Equal(t, nil, err)
	texts := []string{}
	for _, reminderItem := range other.Records() {
		texts = append(texts, reminderItem.Text)
		assert.Equal(t, "brad", reminderItem.CreatedBy)
	}
	assert.Equal(t, []string{"a", "b"}, texts)

	err = other.Remove(other.Records()[0])
	assert.Equal(t, nil, err)

	err = collection.Refresh(march15)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, collection.Len())
	assert.Equal(t, "b", collection.Records()[0].Text)

	// deleting again reports the failure but keeps the removal
	notifications := []*tablesync.Notification{}
	other.AddNotificationCallback(func(notification *tablesync.Notification) {
		notifications = append(notifications, notification)
	})
	stale := other.Records()[0]
	err = collection.Remove(collection.Records()[0])
	assert.Equal(t, nil, err)
	err = other.Remove(stale)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, other.Len())
	assert.Equal(t, 1, len(notifications))
	assert.Equal(t, "Unable To Remove Record", notifications[0].Title)
}

func TestMealPlanEndToEnd(t *testing.T) {
	_, server := newTestServer(t)

	client := tablesync.NewTableClientWithDefaults(server.URL, testAppKey)
	defer client.Close()

	march15 := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	mealPlan := tablesync.NewMealPlan(tablesync.GetTable[*tablesync.MealItem](client))
	_, err := mealPlan.Load(march15)
	assert.Equal(t, nil, err)
	err = mealPlan.SetMeals("eggs", "salad", "roast", true)
	assert.Equal(t, nil, err)
	err = mealPlan.SetMeals("eggs", "salad", "fish", false)
	assert.Equal(t, nil, err)

	mealItem, err := tablesync.NewMealPlan(tablesync.GetTable[*tablesync.MealItem](client)).Load(march15)
	assert.Equal(t, nil, err)
	assert.Equal(t, mealPlan.MealItem().Id, mealItem.Id)
	assert.Equal(t, "fish", mealItem.Dinner)
	assert.Equal(t, false, mealItem.IsFormalDinner)
}

func TestWatchTable(t *testing.T) {
	api, server := newTestServer(t)

	client := tablesync.NewTableClientWithDefaults(server.URL, testAppKey)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tableChanges := make(chan *tablesync.TableChange, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- client.WatchTable(ctx, "ReminderItem", func(tableChange *tablesync.TableChange) {
			tableChanges <- tableChange
		})
	}()

	// wait for the watcher to subscribe
	for i := 0; i < 200 && api.Feed().WatcherCount("ReminderItem") == 0; i += 1 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, api.Feed().WatcherCount("ReminderItem"))

	table := tablesync.GetTable[*tablesync.ReminderItem](client)
	inserted, err := table.InsertSync(tablesync.NewReminderItem(time.Now(), "watched"))
	assert.Equal(t, nil, err)
	_, err = table.DeleteSync(inserted)
	assert.Equal(t, nil, err)

	insertChange := <-tableChanges
	assert.Equal(t, tablesync.TableChangeInsert, insertChange.Type)
	assert.Equal(t, inserted.Id, insertChange.Id)
	deleteChange := <-tableChanges
	assert.Equal(t, tablesync.TableChangeDelete, deleteChange.Type)

	cancel()
	assert.Equal(t, nil, <-watchErr)

	// a bad key is refused before the upgrade
	badClient := tablesync.NewTableClientWithDefaults(server.URL, "wrong-key")
	defer badClient.Close()
	err = badClient.WatchTable(context.Background(), "ReminderItem", func(tableChange *tablesync.TableChange) {})
	assert.Equal(t, true, tablesync.IsRemoteFailure(err))
}
