package tablesync

import (
	"io"
	"net/http"
	"sync"

	"github.com/golang/glog"
)

type BusyChangeFunction = func(busy bool)

// BusyAggregator counts in-flight remote calls and reports a single busy state.
// Busy is emitted on the 0->1 transition and idle on the 1->0 transition only.
// It knows nothing about what the calls are, so one indicator can cover any
// mix of refresh, commit and remove.
type BusyAggregator struct {
	stateLock sync.Mutex
	inFlight  int
	busy      bool

	busyChangeCallbacks *CallbackList[BusyChangeFunction]
	events              *eventQueue[bool]

	log LogFunction
}

func NewBusyAggregator() *BusyAggregator {
	busyAggregator := &BusyAggregator{
		busyChangeCallbacks: NewCallbackList[BusyChangeFunction](),
		log:                 LogFn(LogLevelSync, "busy"),
	}
	busyAggregator.events = newEventQueue(busyAggregator.deliver)
	return busyAggregator
}

func (self *BusyAggregator) OnBusyChange(busyChangeCallback BusyChangeFunction) func() {
	callbackId := self.busyChangeCallbacks.Add(busyChangeCallback)
	return func() {
		self.busyChangeCallbacks.Remove(callbackId)
	}
}

func (self *BusyAggregator) IsBusy() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.busy
}

func (self *BusyAggregator) InFlight() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.inFlight
}

// Begin marks one call in flight. The returned release must be called when the
// call completes, success or failure. Calling release more than once is a no-op.
func (self *BusyAggregator) Begin() (release func()) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.inFlight += 1
		if self.inFlight == 1 {
			self.busy = true
			self.events.Push(true)
		}
	}()
	self.events.Drain()

	var once sync.Once
	return func() {
		once.Do(self.end)
	}
}

func (self *BusyAggregator) end() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.inFlight == 0 {
			// a release without a begin. never go negative.
			glog.Infof("[busy]release with no call in flight\n")
			return
		}
		self.inFlight -= 1
		if self.inFlight == 0 {
			self.busy = false
			self.events.Push(false)
		}
	}()
	self.events.Drain()
}

func (self *BusyAggregator) deliver(busy bool) {
	self.log("busy = %t", busy)
	for _, busyChangeCallback := range self.busyChangeCallbacks.Get() {
		guard("busy change", func() {
			busyChangeCallback(busy)
		})
	}
}

// Track runs `do` as one in-flight call. The call is released even if `do` panics.
func (self *BusyAggregator) Track(do func() error) error {
	release := self.Begin()
	defer release()
	return do()
}

func TrackWithResult[R any](busyAggregator *BusyAggregator, do func() (R, error)) (R, error) {
	release := busyAggregator.Begin()
	defer release()
	return do()
}

func (self *BusyAggregator) Middleware() RoundTripperMiddleware {
	return self.RoundTripper
}

// RoundTripper counts each http exchange from request start until the
// response body is closed, or until the transport fails.
func (self *BusyAggregator) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &busyRoundTripper{
		busyAggregator: self,
		next:           next,
	}
}

type busyRoundTripper struct {
	busyAggregator *BusyAggregator
	next           http.RoundTripper
}

func (self *busyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	release := self.busyAggregator.Begin()
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	res, err := self.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	res.Body = &releaseOnCloseBody{
		ReadCloser: res.Body,
		release:    release,
	}
	handedOff = true
	return res, nil
}

type releaseOnCloseBody struct {
	io.ReadCloser
	release func()
}

func (self *releaseOnCloseBody) Read(p []byte) (int, error) {
	n, err := self.ReadCloser.Read(p)
	if err == io.EOF {
		self.release()
	}
	return n, err
}

func (self *releaseOnCloseBody) Close() error {
	defer self.release()
	return self.ReadCloser.Close()
}

// BusyTable wraps a RemoteTable so each call is counted from start until its
// callback has run.
type BusyTable[R Record] struct {
	table          RemoteTable[R]
	busyAggregator *BusyAggregator
}

func NewBusyTable[R Record](table RemoteTable[R], busyAggregator *BusyAggregator) *BusyTable[R] {
	return &BusyTable[R]{
		table:          table,
		busyAggregator: busyAggregator,
	}
}

func (self *BusyTable[R]) TableName() string {
	return self.table.TableName()
}

func (self *BusyTable[R]) Insert(record R, callback ApiCallback[R]) {
	busyCall(self.busyAggregator, func(busyCallback ApiCallback[R]) {
		self.table.Insert(record, busyCallback)
	}, callback)
}

func (self *BusyTable[R]) Delete(record R, callback ApiCallback[bool]) {
	busyCall(self.busyAggregator, func(busyCallback ApiCallback[bool]) {
		self.table.Delete(record, busyCallback)
	}, callback)
}

func (self *BusyTable[R]) Query(predicate *Predicate, callback ApiCallback[[]R]) {
	busyCall(self.busyAggregator, func(busyCallback ApiCallback[[]R]) {
		self.table.Query(predicate, busyCallback)
	}, callback)
}

// passes through when the wrapped table supports updates
func (self *BusyTable[R]) Update(record R, callback ApiCallback[R]) {
	updater, ok := self.table.(RemoteUpdater[R])
	if !ok {
		var empty R
		go callback.Result(empty, serverFailure(OpUpdate, self.table.TableName(), http.StatusMethodNotAllowed, "Table does not support update"))
		return
	}
	busyCall(self.busyAggregator, func(busyCallback ApiCallback[R]) {
		updater.Update(record, busyCallback)
	}, callback)
}

func busyCall[T any](busyAggregator *BusyAggregator, call func(ApiCallback[T]), callback ApiCallback[T]) {
	release := busyAggregator.Begin()
	started := false
	defer func() {
		// the call panicked before taking ownership of the release
		if !started {
			release()
		}
	}()
	call(NewApiCallback(func(result T, err error) {
		defer release()
		callback.Result(result, err)
	}))
	started = true
}
