package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/betachi/dailyupdate/tablesync"
)

const changeBufferSize = 32

const changeWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// table clients are not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChangeFeed fans out table changes to websocket watchers.
// A watcher that cannot keep up misses changes rather than stalling writers.
type ChangeFeed struct {
	stateLock sync.Mutex
	watchers  map[string]map[chan *tablesync.TableChange]bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{
		watchers: map[string]map[chan *tablesync.TableChange]bool{},
		done:     make(chan struct{}),
	}
}

// Close ends every watch. Hijacked connections are not covered by server shutdown.
func (self *ChangeFeed) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

func (self *ChangeFeed) Publish(table string, changeType tablesync.TableChangeType, id string) {
	tableChange := &tablesync.TableChange{
		Type:  changeType,
		Table: table,
		Id:    tablesync.Id(id),
		Time:  time.Now().UTC(),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for changes := range self.watchers[table] {
		select {
		case changes <- tableChange:
		default:
			glog.Infof("[feed]%s watcher is behind, dropped %s %s\n", table, changeType, id)
		}
	}
}

func (self *ChangeFeed) subscribe(table string) (chan *tablesync.TableChange, func()) {
	changes := make(chan *tablesync.TableChange, changeBufferSize)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	tableWatchers, ok := self.watchers[table]
	if !ok {
		tableWatchers = map[chan *tablesync.TableChange]bool{}
		self.watchers[table] = tableWatchers
	}
	tableWatchers[changes] = true

	return changes, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(tableWatchers, changes)
		if len(tableWatchers) == 0 {
			delete(self.watchers, table)
		}
	}
}

func (self *ChangeFeed) WatcherCount(table string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.watchers[table])
}

// serve upgrades the request and writes changes until the watcher goes away
func (self *ChangeFeed) serve(context *gin.Context, table string) {
	conn, err := upgrader.Upgrade(context.Writer, context.Request, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.Infof("[feed]upgrade failed: %s\n", err)
		return
	}
	defer conn.Close()

	changes, unsubscribe := self.subscribe(table)
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			// watchers never send, reading only surfaces the close
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-self.done:
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(changeWriteTimeout),
			)
			return
		case <-context.Request.Context().Done():
			return
		case tableChange := <-changes:
			conn.SetWriteDeadline(time.Now().Add(changeWriteTimeout))
			if err := conn.WriteJSON(tableChange); err != nil {
				glog.Infof("[feed]%s write failed: %s\n", table, err)
				return
			}
		}
	}
}
