package tablesync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// change notifications published by the table backend
// the sync core never depends on these, all sync stays caller initiated

type TableChangeType string

const (
	TableChangeInsert TableChangeType = "insert"
	TableChangeUpdate TableChangeType = "update"
	TableChangeDelete TableChangeType = "delete"
)

type TableChange struct {
	Type  TableChangeType `json:"type"`
	Table string          `json:"table"`
	Id    Id              `json:"id"`
	Time  time.Time       `json:"time"`
}

type TableChangeFunction = func(tableChange *TableChange)

func (self *TableClient) changesUrl(tableName string) (string, error) {
	changesUrl, err := url.Parse(fmt.Sprintf("%s/changes", self.tableUrl(tableName, "")))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(changesUrl.Scheme) {
	case "https":
		changesUrl.Scheme = "wss"
	case "http":
		changesUrl.Scheme = "ws"
	}
	return changesUrl.String(), nil
}

// WatchTable streams the backend's change notifications for a table until the
// context or the client is done, or the connection fails.
func (self *TableClient) WatchTable(ctx context.Context, tableName string, tableChangeCallback TableChangeFunction) error {
	changesUrl, err := self.changesUrl(tableName)
	if err != nil {
		return networkFailure("watch", tableName, err)
	}

	header := http.Header{}
	header.Add(HeaderApplicationKey, self.appKey)
	header.Add(HeaderInstallationId, self.installationId)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-self.ctx.Done():
			cancel()
		case <-watchCtx.Done():
		}
	}()

	conn, res, err := websocket.DefaultDialer.DialContext(watchCtx, changesUrl, header)
	if err != nil {
		if res != nil {
			return serverFailure("watch", tableName, res.StatusCode, http.StatusText(res.StatusCode))
		}
		return networkFailure("watch", tableName, err)
	}
	defer conn.Close()

	go func() {
		<-watchCtx.Done()
		conn.Close()
	}()

	for {
		tableChange := &TableChange{}
		if err := conn.ReadJSON(tableChange); err != nil {
			select {
			case <-watchCtx.Done():
				return nil
			default:
			}
			return networkFailure("watch", tableName, err)
		}
		guard("table change", func() {
			tableChangeCallback(tableChange)
		})
	}
}
