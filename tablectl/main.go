package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/betachi/dailyupdate/tablectl/api"
	"github.com/betachi/dailyupdate/tablesync"
)

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Daily update table control.

The default api_url is %s.
The api_url and app_key may also come from %s and %s.

Usage:
    tablectl serve [--config=<config>] [--addr=<addr>] [--data=<data>] [--app_key=<app_key>] [--v=<v>]
    tablectl list [--config=<config>] [--api_url=<api_url>] [--app_key=<app_key>]
        [--date=<date>] [--table=<table>] [--v=<v>]
    tablectl add [--config=<config>] [--api_url=<api_url>] [--app_key=<app_key>]
        [--date=<date>] [--table=<table>] [--user=<user>] [--v=<v>] <text>...
    tablectl remove [--config=<config>] [--api_url=<api_url>] [--app_key=<app_key>]
        [--date=<date>] [--table=<table>] [--v=<v>] <id>
    tablectl meals [--config=<config>] [--api_url=<api_url>] [--app_key=<app_key>]
        [--date=<date>] [--v=<v>]
    tablectl set-meals [--config=<config>] [--api_url=<api_url>] [--app_key=<app_key>]
        [--date=<date>] [--user=<user>] [--breakfast=<breakfast>] [--lunch=<lunch>] [--dinner=<dinner>] [--formal | --informal] [--v=<v>]
    tablectl watch [--config=<config>] [--api_url=<api_url>] [--app_key=<app_key>]
        [--table=<table>] [--v=<v>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          Yaml config file.
    --api_url=<api_url>        Table backend url.
    --app_key=<app_key>        Application key sent as X-ZUMO-APPLICATION.
    --date=<date>              Day as YYYY-MM-DD. Defaults to today.
    --table=<table>            Reminder table name.
    --user=<user>              User name attributed to inserts.
    --addr=<addr>              Listen address for serve.
    --data=<data>              Table store file for serve.
    --breakfast=<breakfast>
    --lunch=<lunch>
    --dinner=<dinner>
    --formal                   Dinner is formal.
    --informal                 Dinner is not formal.
    --v=<v>                    Log verbosity [default: 0].`,
		DefaultApiUrl,
		EnvApiUrl,
		EnvAppKey,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], tablesync.RequireVersion())
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	config, err := LoadConfig(opts)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	var runErr error
	if serve_, _ := opts.Bool("serve"); serve_ {
		runErr = serve(config)
	} else if list_, _ := opts.Bool("list"); list_ {
		runErr = list(opts, config)
	} else if add_, _ := opts.Bool("add"); add_ {
		runErr = add(opts, config)
	} else if remove_, _ := opts.Bool("remove"); remove_ {
		runErr = remove(opts, config)
	} else if meals_, _ := opts.Bool("meals"); meals_ {
		runErr = meals(opts, config)
	} else if setMeals_, _ := opts.Bool("set-meals"); setMeals_ {
		runErr = setMeals(opts, config)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		runErr = watch(config)
	}
	if runErr != nil {
		glog.Flush()
		Err.Fatalf("%s", runErr)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}
	flag.CommandLine.Parse([]string{})
}

func parseDate(opts docopt.Opts) (time.Time, error) {
	dateStr, err := opts.String("--date")
	if err != nil || dateStr == "" {
		now := time.Now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()), nil
	}
	date, err := time.ParseInLocation(time.DateOnly, dateStr, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", dateStr, err)
	}
	return date, nil
}

// a session is one client with busy and notification output wired to the terminal
type session struct {
	ctx            context.Context
	cancel         context.CancelFunc
	client         *tablesync.TableClient
	busyAggregator *tablesync.BusyAggregator
}

func newSession(config *Config) (*session, error) {
	if config.AppKey == "" {
		return nil, fmt.Errorf("an app key is required (--app_key or %s)", EnvAppKey)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	busyAggregator := tablesync.NewBusyAggregator()
	busyAggregator.OnBusyChange(func(busy bool) {
		if busy {
			Err.Printf("working...")
		}
	})

	settings := tablesync.DefaultTableClientSettings()
	settings.Middlewares = append(settings.Middlewares, busyAggregator.Middleware())
	client := tablesync.NewTableClientWithContext(ctx, config.ApiUrl, config.AppKey, settings)
	if config.User != "" {
		client.SetUserJwt(tablesync.NewUserJwtUnsigned(config.User, config.User))
	}

	return &session{
		ctx:            ctx,
		cancel:         cancel,
		client:         client,
		busyAggregator: busyAggregator,
	}, nil
}

func (self *session) Close() {
	self.client.Close()
	self.cancel()
}

func (self *session) reminders(config *Config) *tablesync.SyncedCollection[*tablesync.ReminderItem] {
	table := tablesync.GetTableWithName[*tablesync.ReminderItem](self.client, config.Table)
	settings := tablesync.DefaultSyncedCollectionSettings()
	settings.Label = "Reminder"
	collection := tablesync.NewSyncedCollection[*tablesync.ReminderItem](table, settings)
	collection.AddNotificationCallback(printNotification)
	return collection
}

func printNotification(notification *tablesync.Notification) {
	Err.Printf("%s", notification)
}

func gate(config *Config) error {
	return NewPasswordGate(config.Password).Check()
}

func serve(config *Config) error {
	if config.AppKey == "" {
		return fmt.Errorf("an app key is required (--app_key or %s)", EnvAppKey)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErrs := make(chan error, 1)
	a, err := api.StartApi(api.ApiOptions{
		Addr:   config.Addr,
		AppKey: config.AppKey,
		Store:  api.NewTableStore(config.Data),
	}, func(err error) {
		serveErrs <- err
	})
	if err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	Out.Printf("serving %s on %s", config.Data, config.Addr)

	select {
	case <-ctx.Done():
	case err = <-serveErrs:
	}
	if stopErr := a.StopApi(); stopErr != nil {
		glog.Warningf("[serve]%s\n", stopErr)
	}
	return err
}

func list(opts docopt.Opts, config *Config) error {
	date, err := parseDate(opts)
	if err != nil {
		return err
	}
	s, err := newSession(config)
	if err != nil {
		return err
	}
	defer s.Close()

	collection := s.reminders(config)
	if err := collection.Refresh(date); err != nil {
		return err
	}
	for _, reminderItem := range collection.Records() {
		printReminder(reminderItem)
	}
	return nil
}

func printReminder(reminderItem *tablesync.ReminderItem) {
	if reminderItem.CreatedBy != "" {
		Out.Printf("%s\t%s\t%s\t(%s)", reminderItem.Id, reminderItem.Date.Format(time.DateOnly), reminderItem.Text, reminderItem.CreatedBy)
	} else {
		Out.Printf("%s\t%s\t%s", reminderItem.Id, reminderItem.Date.Format(time.DateOnly), reminderItem.Text)
	}
}

func add(opts docopt.Opts, config *Config) error {
	date, err := parseDate(opts)
	if err != nil {
		return err
	}
	texts, _ := opts["<text>"].([]string)
	text := strings.TrimSpace(strings.Join(texts, " "))
	if text == "" {
		return fmt.Errorf("reminder text is required")
	}
	if err := gate(config); err != nil {
		return err
	}

	s, err := newSession(config)
	if err != nil {
		return err
	}
	defer s.Close()

	collection := s.reminders(config)
	addReminder := collection.Adder()
	reminderItem := tablesync.NewReminderItem(date, text)
	if err := addReminder(reminderItem); err != nil {
		return err
	}
	printReminder(reminderItem)
	return nil
}

func remove(opts docopt.Opts, config *Config) error {
	date, err := parseDate(opts)
	if err != nil {
		return err
	}
	id, err := parseRecordId(opts)
	if err != nil {
		return err
	}
	if err := gate(config); err != nil {
		return err
	}

	s, err := newSession(config)
	if err != nil {
		return err
	}
	defer s.Close()

	collection := s.reminders(config)
	if err := collection.Refresh(date); err != nil {
		return err
	}
	for _, reminderItem := range collection.Records() {
		if reminderItem.Id == id {
			if err := collection.Remove(reminderItem); err != nil {
				return err
			}
			Out.Printf("removed %s", id)
			return nil
		}
	}
	return fmt.Errorf("no reminder %s on %s", id, date.Format(time.DateOnly))
}

func newMealPlan(s *session) *tablesync.MealPlan {
	table := tablesync.NewBusyTable[*tablesync.MealItem](
		tablesync.GetTable[*tablesync.MealItem](s.client),
		// nested with the http middleware count, still one busy span per edit
		s.busyAggregator,
	)
	mealPlan := tablesync.NewMealPlan(table)
	mealPlan.AddNotificationCallback(printNotification)
	return mealPlan
}

func printMeals(mealItem *tablesync.MealItem) {
	formal := ""
	if mealItem.IsFormalDinner {
		formal = " (formal)"
	}
	Out.Printf("%s", mealItem.Date.Format(time.DateOnly))
	Out.Printf("breakfast\t%s", mealItem.Breakfast)
	Out.Printf("lunch\t%s", mealItem.Lunch)
	Out.Printf("dinner\t%s%s", mealItem.Dinner, formal)
}

func meals(opts docopt.Opts, config *Config) error {
	date, err := parseDate(opts)
	if err != nil {
		return err
	}
	s, err := newSession(config)
	if err != nil {
		return err
	}
	defer s.Close()

	mealItem, err := newMealPlan(s).Load(date)
	if err != nil {
		return err
	}
	printMeals(mealItem)
	return nil
}

func setMeals(opts docopt.Opts, config *Config) error {
	date, err := parseDate(opts)
	if err != nil {
		return err
	}
	if err := gate(config); err != nil {
		return err
	}

	s, err := newSession(config)
	if err != nil {
		return err
	}
	defer s.Close()

	mealPlan := newMealPlan(s)
	mealItem, err := mealPlan.Load(date)
	if err != nil {
		return err
	}

	breakfast, lunch, dinner, isFormalDinner := editMeals(opts, mealItem)
	if err := mealPlan.SetMeals(breakfast, lunch, dinner, isFormalDinner); err != nil {
		return err
	}
	printMeals(mealPlan.MealItem())
	return nil
}

// unset flags keep the current value. `--formal` and `--informal` set the
// dinner flag, neither keeps it.
func editMeals(opts docopt.Opts, mealItem *tablesync.MealItem) (breakfast string, lunch string, dinner string, isFormalDinner bool) {
	breakfast = mealItem.Breakfast
	if v, err := opts.String("--breakfast"); err == nil {
		breakfast = v
	}
	lunch = mealItem.Lunch
	if v, err := opts.String("--lunch"); err == nil {
		lunch = v
	}
	dinner = mealItem.Dinner
	if v, err := opts.String("--dinner"); err == nil {
		dinner = v
	}
	isFormalDinner = mealItem.IsFormalDinner
	if formal, _ := opts.Bool("--formal"); formal {
		isFormalDinner = true
	} else if informal, _ := opts.Bool("--informal"); informal {
		isFormalDinner = false
	}
	return
}

// any id the backend minted is accepted
func parseRecordId(opts docopt.Opts) (tablesync.Id, error) {
	idStr, _ := opts.String("<id>")
	idStr = strings.TrimSpace(idStr)
	if idStr == "" {
		return "", fmt.Errorf("id must not be empty")
	}
	return tablesync.Id(idStr), nil
}

func watch(config *Config) error {
	s, err := newSession(config)
	if err != nil {
		return err
	}
	defer s.Close()

	tables := []string{config.Table, (&tablesync.MealItem{}).TableName()}
	errs := make(chan error, len(tables))
	for _, table := range tables {
		table := table
		go func() {
			errs <- s.client.WatchTable(s.ctx, table, func(tableChange *tablesync.TableChange) {
				Out.Printf("%s\t%s\t%s\t%s", tableChange.Time.Local().Format(time.TimeOnly), tableChange.Table, tableChange.Type, tableChange.Id)
			})
		}()
	}
	Err.Printf("watching %s", strings.Join(tables, ", "))

	// the first watch to end ends the command
	err = <-errs
	s.cancel()
	return err
}
