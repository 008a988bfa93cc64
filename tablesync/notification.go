package tablesync

import (
	"fmt"
)

// user facing titles, one notification per surfaced failure
const (
	NotificationTitleConnection = "Connection Error"
	notificationTitleInsert     = "Unable To Insert %s"
	notificationTitleRemove     = "Unable To Remove %s"
	notificationTitleUpdate     = "Unable To Update %s"
)

type NotificationFunction = func(notification *Notification)

type Notification struct {
	Title   string
	Message string
	Err     error
}

func newNotification(title string, err error) *Notification {
	return &Notification{
		Title:   title,
		Message: err.Error(),
		Err:     err,
	}
}

func (self *Notification) String() string {
	return fmt.Sprintf("%s: %s", self.Title, self.Message)
}
