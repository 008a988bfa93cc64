package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/betachi/dailyupdate/tablesync"
)

// a reference backend speaking the table protocol of `tablesync.TableClient`

var tableNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

const createdByField = "created_by"

type Api struct {
	server *http.Server
	router *gin.Engine
	appKey string
	store  *TableStore
	feed   *ChangeFeed
}

type ApiOptions struct {
	Addr   string
	AppKey string
	Store  *TableStore
}

func (o *ApiOptions) AreValid() error {
	if o.AppKey == "" {
		return fmt.Errorf("app key is required")
	}
	if o.Store == nil {
		return fmt.Errorf("table store is required")
	}
	return nil
}

// NewApi builds the router without listening. `Handler` serves it.
func NewApi(o ApiOptions) (*Api, error) {
	if err := o.AreValid(); err != nil {
		return nil, fmt.Errorf("invalid API options: %w", err)
	}

	api := &Api{
		appKey: o.AppKey,
		store:  o.Store,
		feed:   NewChangeFeed(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if glog.V(1) {
		router.Use(gin.Logger())
	}

	tables := router.Group("/tables", func(c *gin.Context) { api.requireAppKey(c) })
	tables.POST("/:table", func(c *gin.Context) { api.insertRow(c) })
	tables.GET("/:table", func(c *gin.Context) { api.queryRows(c) })
	// change notifications for watchers
	tables.GET("/:table/changes", func(c *gin.Context) { api.watchChanges(c) })
	tables.PATCH("/:table/:id", func(c *gin.Context) { api.updateRow(c) })
	tables.DELETE("/:table/:id", func(c *gin.Context) { api.deleteRow(c) })

	api.router = router
	return api, nil
}

func StartApi(o ApiOptions, errorCallback func(err error)) (*Api, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("invalid API options: listen address is required")
	}
	api, err := NewApi(o)
	if err != nil {
		return nil, err
	}

	// wrap Gin router in an HTTP server
	api.server = &http.Server{
		Addr:    o.Addr,
		Handler: api.router,
	}

	go func() {
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errorCallback(err)
			return
		}
	}()

	return api, nil
}

func (a *Api) Handler() http.Handler {
	return a.router
}

func (a *Api) Feed() *ChangeFeed {
	return a.feed
}

func (a *Api) StopApi() error {
	a.feed.Close()
	if a.server == nil {
		return nil
	}
	// wait max 5 secs for pending requests
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.server = nil
	return nil
}

func (a *Api) requireAppKey(context *gin.Context) {
	if context.GetHeader(tablesync.HeaderApplicationKey) != a.appKey {
		context.String(http.StatusUnauthorized, fmt.Sprintf("%d Unauthorized - Missing or invalid application key", http.StatusUnauthorized))
		context.Abort()
		return
	}
	if !tableNamePattern.MatchString(context.Param("table")) {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - Invalid table name %q", http.StatusBadRequest, context.Param("table")))
		context.Abort()
		return
	}
	context.Next()
}

func (a *Api) insertRow(context *gin.Context) {
	table := context.Param("table")

	row, err := bindRow(context)
	if err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	if createdBy := requestUserName(context); createdBy != "" {
		row[createdByField] = createdBy
	}

	inserted, err := a.store.Insert(table, row)
	if err != nil {
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	a.feed.Publish(table, tablesync.TableChangeInsert, rowId(inserted))
	context.JSON(http.StatusCreated, inserted)
}

func (a *Api) queryRows(context *gin.Context) {
	table := context.Param("table")

	var predicate *tablesync.Predicate
	if filter := context.Query("$filter"); filter != "" {
		var err error
		predicate, err = tablesync.ParsePredicate(filter)
		if err != nil {
			context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
			return
		}
	}

	rows, err := a.store.Query(table, predicate)
	if err != nil {
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	context.JSON(http.StatusOK, rows)
}

func (a *Api) updateRow(context *gin.Context) {
	table := context.Param("table")
	id := context.Param("id")

	patch, err := bindRow(context)
	if err != nil {
		context.String(http.StatusBadRequest, fmt.Sprintf("%d Bad Request - %v", http.StatusBadRequest, err))
		return
	}
	// attribution belongs to the creator
	delete(patch, createdByField)

	updated, err := a.store.Update(table, id, patch)
	if errors.Is(err, ErrNotFound) {
		context.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %s %q", http.StatusNotFound, table, id))
		return
	} else if err != nil {
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	a.feed.Publish(table, tablesync.TableChangeUpdate, id)
	context.JSON(http.StatusOK, updated)
}

func (a *Api) deleteRow(context *gin.Context) {
	table := context.Param("table")
	id := context.Param("id")

	err := a.store.Delete(table, id)
	if errors.Is(err, ErrNotFound) {
		context.String(http.StatusNotFound, fmt.Sprintf("%d Not Found - %s %q", http.StatusNotFound, table, id))
		return
	} else if err != nil {
		context.String(http.StatusInternalServerError, fmt.Sprintf("%d Internal Server Error - %v", http.StatusInternalServerError, err))
		return
	}
	a.feed.Publish(table, tablesync.TableChangeDelete, id)
	context.Status(http.StatusNoContent)
}

func (a *Api) watchChanges(context *gin.Context) {
	a.feed.serve(context, context.Param("table"))
}

func bindRow(context *gin.Context) (Row, error) {
	row := Row{}
	decoder := json.NewDecoder(context.Request.Body)
	if err := decoder.Decode(&row); err != nil {
		return nil, fmt.Errorf("Invalid row: %w", err)
	}
	return row, nil
}

// the user name from an optional bearer jwt, used for attribution only
func requestUserName(context *gin.Context) string {
	auth := context.GetHeader("Authorization")
	userJwt, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || userJwt == "" {
		return ""
	}
	user, err := tablesync.ParseUserJwtUnverified(userJwt)
	if err != nil {
		glog.Infof("[api]ignoring unparseable jwt: %s\n", err)
		return ""
	}
	return user.UserName
}
