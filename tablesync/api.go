package tablesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const LocalVersion = "0.0.0-local"

// request headers understood by the table backend
const (
	HeaderApplicationKey = "X-ZUMO-APPLICATION"
	HeaderInstallationId = "X-ZUMO-INSTALLATION-ID"
	HeaderVersion        = "X-ZUMO-VERSION"
)

const (
	OpInsert = "insert"
	OpDelete = "delete"
	OpQuery  = "query"
	OpUpdate = "update"
)

// RemoteTable is the capability the sync core depends on.
// Every call returns immediately and reports exactly once on the callback.
type RemoteTable[R Record] interface {
	TableName() string
	Insert(record R, callback ApiCallback[R])
	Delete(record R, callback ApiCallback[bool])
	Query(predicate *Predicate, callback ApiCallback[[]R])
}

// implemented by tables that can modify a persisted record
type RemoteUpdater[R Record] interface {
	Update(record R, callback ApiCallback[R])
}

type RoundTripperMiddleware = func(next http.RoundTripper) http.RoundTripper

func RequireVersion() string {
	if version := os.Getenv("DAILYUPDATE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}

func DefaultTableClientSettings() *TableClientSettings {
	return &TableClientSettings{
		HttpTimeout:        defaultHttpTimeout,
		HttpConnectTimeout: defaultHttpConnectTimeout,
		HttpTlsTimeout:     defaultHttpTlsTimeout,
		ClientVersion:      RequireVersion(),
	}
}

type TableClientSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	ClientVersion      string
	// applied around the transport, first is outermost
	Middlewares []RoundTripperMiddleware
	// overrides the default transport, used by tests
	Transport http.RoundTripper
}

func (self *TableClientSettings) httpClient() *http.Client {
	var roundTripper http.RoundTripper
	if self.Transport != nil {
		roundTripper = self.Transport
	} else {
		// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
		dialer := &net.Dialer{
			Timeout: self.HttpConnectTimeout,
		}
		roundTripper = &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: self.HttpTlsTimeout,
		}
	}
	for i := len(self.Middlewares) - 1; 0 <= i; i -= 1 {
		roundTripper = self.Middlewares[i](roundTripper)
	}
	return &http.Client{
		Transport: roundTripper,
		Timeout:   self.HttpTimeout,
	}
}

// TableClient addresses the tables of one application endpoint.
type TableClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	appUrl         string
	appKey         string
	installationId string
	clientVersion  string

	httpClient *http.Client

	stateLock sync.Mutex
	userJwt   string
}

func NewTableClientWithDefaults(appUrl string, appKey string) *TableClient {
	return NewTableClient(appUrl, appKey, DefaultTableClientSettings())
}

func NewTableClient(appUrl string, appKey string, settings *TableClientSettings) *TableClient {
	return NewTableClientWithContext(context.Background(), appUrl, appKey, settings)
}

func NewTableClientWithContext(ctx context.Context, appUrl string, appKey string, settings *TableClientSettings) *TableClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &TableClient{
		ctx:            cancelCtx,
		cancel:         cancel,
		appUrl:         strings.TrimRight(appUrl, "/"),
		appKey:         appKey,
		installationId: uuid.NewString(),
		clientVersion:  settings.ClientVersion,
		httpClient:     settings.httpClient(),
	}
}

// this gets attached to table calls for attribution
func (self *TableClient) SetUserJwt(userJwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.userJwt = userJwt
}

func (self *TableClient) InstallationId() string {
	return self.installationId
}

func (self *TableClient) AppUrl() string {
	return self.appUrl
}

// in-flight calls fail with a network failure
func (self *TableClient) Close() {
	self.cancel()
}

func (self *TableClient) tableUrl(tableName string, id Id) string {
	tableUrl := fmt.Sprintf("%s/tables/%s", self.appUrl, url.PathEscape(tableName))
	if !id.IsZero() {
		tableUrl = fmt.Sprintf("%s/%s", tableUrl, url.PathEscape(id.String()))
	}
	return tableUrl
}

func (self *TableClient) call(op string, tableName string, method string, callUrl string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(self.ctx, method, callUrl, bodyReader)
	if err != nil {
		return nil, networkFailure(op, tableName, err)
	}

	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add(HeaderApplicationKey, self.appKey)
	req.Header.Add(HeaderInstallationId, self.installationId)
	if self.clientVersion != "" {
		req.Header.Add(HeaderVersion, self.clientVersion)
	}

	self.stateLock.Lock()
	userJwt := self.userJwt
	self.stateLock.Unlock()
	if userJwt != "" {
		auth := fmt.Sprintf("Bearer %s", userJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := self.httpClient.Do(req)
	if err != nil {
		return nil, networkFailure(op, tableName, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = http.StatusText(r.StatusCode)
		}
		return nil, serverFailure(op, tableName, r.StatusCode, errorMessage)
	}

	if err != nil {
		return nil, networkFailure(op, tableName, err)
	}

	return responseBodyBytes, nil
}

// Table is the typed RemoteTable for one remote collection.
type Table[R Record] struct {
	client    *TableClient
	tableName string
	log       LogFunction
}

// the table name comes from `R.TableName()` on the zero value,
// which must not dereference its receiver
func GetTable[R Record](client *TableClient) *Table[R] {
	var zero R
	return GetTableWithName[R](client, zero.TableName())
}

func GetTableWithName[R Record](client *TableClient, tableName string) *Table[R] {
	return &Table[R]{
		client:    client,
		tableName: tableName,
		log:       LogFn(LogLevelTrace, fmt.Sprintf("table %s", tableName)),
	}
}

func (self *Table[R]) TableName() string {
	return self.tableName
}

func (self *Table[R]) Insert(record R, callback ApiCallback[R]) {
	// encode now so later local edits do not race the request
	body, err := json.Marshal(record)
	go func() {
		if err != nil {
			var empty R
			callback.Result(empty, serializationFailure(OpInsert, self.tableName, err))
			return
		}
		callback.Result(self.insert(body))
	}()
}

func (self *Table[R]) InsertSync(record R) (R, error) {
	body, err := json.Marshal(record)
	if err != nil {
		var empty R
		return empty, serializationFailure(OpInsert, self.tableName, err)
	}
	return self.insert(body)
}

func (self *Table[R]) insert(body []byte) (R, error) {
	return TraceWithReturnError(fmt.Sprintf("[t]insert %s", self.tableName), func() (R, error) {
		var result R
		responseBodyBytes, err := self.client.call(
			OpInsert,
			self.tableName,
			http.MethodPost,
			self.client.tableUrl(self.tableName, ""),
			body,
		)
		if err != nil {
			return result, err
		}
		if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
			var empty R
			return empty, serializationFailure(OpInsert, self.tableName, err)
		}
		var empty R
		if result == empty || result.RecordId().IsZero() {
			return empty, serverFailure(OpInsert, self.tableName, http.StatusOK, "Inserted record has no id")
		}
		self.log("inserted %s", result.RecordId())
		return result, nil
	})
}

func (self *Table[R]) Delete(record R, callback ApiCallback[bool]) {
	id := record.RecordId()
	go func() {
		callback.Result(self.delete(id))
	}()
}

func (self *Table[R]) DeleteSync(record R) (bool, error) {
	return self.delete(record.RecordId())
}

func (self *Table[R]) delete(id Id) (bool, error) {
	if id.IsZero() {
		return false, serializationFailure(OpDelete, self.tableName, fmt.Errorf("Record has no id"))
	}
	return TraceWithReturnError(fmt.Sprintf("[t]delete %s %s", self.tableName, id), func() (bool, error) {
		_, err := self.client.call(
			OpDelete,
			self.tableName,
			http.MethodDelete,
			self.client.tableUrl(self.tableName, id),
			nil,
		)
		if err != nil {
			return false, err
		}
		self.log("deleted %s", id)
		return true, nil
	})
}

func (self *Table[R]) Query(predicate *Predicate, callback ApiCallback[[]R]) {
	go func() {
		callback.Result(self.query(predicate))
	}()
}

func (self *Table[R]) QuerySync(predicate *Predicate) ([]R, error) {
	return self.query(predicate)
}

func (self *Table[R]) query(predicate *Predicate) ([]R, error) {
	return TraceWithReturnError(fmt.Sprintf("[t]query %s %s", self.tableName, predicate), func() ([]R, error) {
		queryUrl := self.client.tableUrl(self.tableName, "")
		if predicate != nil {
			values := url.Values{}
			values.Set("$filter", predicate.Encode())
			queryUrl = fmt.Sprintf("%s?%s", queryUrl, values.Encode())
		}
		responseBodyBytes, err := self.client.call(
			OpQuery,
			self.tableName,
			http.MethodGet,
			queryUrl,
			nil,
		)
		if err != nil {
			return nil, err
		}
		records := []R{}
		if err := json.Unmarshal(responseBodyBytes, &records); err != nil {
			return nil, serializationFailure(OpQuery, self.tableName, err)
		}
		self.log("query %s = %d", predicate, len(records))
		return records, nil
	})
}

func (self *Table[R]) Update(record R, callback ApiCallback[R]) {
	id := record.RecordId()
	body, err := json.Marshal(record)
	go func() {
		if err != nil {
			var empty R
			callback.Result(empty, serializationFailure(OpUpdate, self.tableName, err))
			return
		}
		callback.Result(self.update(id, body))
	}()
}

func (self *Table[R]) UpdateSync(record R) (R, error) {
	body, err := json.Marshal(record)
	if err != nil {
		var empty R
		return empty, serializationFailure(OpUpdate, self.tableName, err)
	}
	return self.update(record.RecordId(), body)
}

func (self *Table[R]) update(id Id, body []byte) (R, error) {
	var result R
	if id.IsZero() {
		return result, serializationFailure(OpUpdate, self.tableName, fmt.Errorf("Record has no id"))
	}
	responseBodyBytes, err := self.client.call(
		OpUpdate,
		self.tableName,
		http.MethodPatch,
		self.client.tableUrl(self.tableName, id),
		body,
	)
	if err != nil {
		return result, err
	}
	var empty R
	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		return empty, serializationFailure(OpUpdate, self.tableName, err)
	}
	if result == empty {
		return empty, serverFailure(OpUpdate, self.tableName, http.StatusOK, "Empty update response")
	}
	if glog.V(LogLevelTrace) {
		glog.Infof("[t]update %s %s\n", self.tableName, id)
	}
	return result, nil
}
