package tablesync

import (
	"errors"
	"fmt"
)

type FailureKind string

const (
	// unreachable, timed out, or the client was closed
	FailureNetwork FailureKind = "network"
	// non-success status from the backend
	FailureServer FailureKind = "server"
	// request or response body could not be encoded/decoded
	FailureSerialization FailureKind = "serialization"
)

// RemoteFailure is the only error kind the sync core produces.
type RemoteFailure struct {
	Op         string
	Table      string
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (self *RemoteFailure) Error() string {
	message := self.Message
	if message == "" && self.Err != nil {
		message = self.Err.Error()
	}
	if self.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (%s %d): %s", self.Op, self.Table, self.Kind, self.StatusCode, message)
	}
	return fmt.Sprintf("%s %s failed (%s): %s", self.Op, self.Table, self.Kind, message)
}

func (self *RemoteFailure) Unwrap() error {
	return self.Err
}

func IsRemoteFailure(err error) bool {
	var remoteFailure *RemoteFailure
	return errors.As(err, &remoteFailure)
}

func networkFailure(op string, table string, err error) *RemoteFailure {
	return &RemoteFailure{
		Op:    op,
		Table: table,
		Kind:  FailureNetwork,
		Err:   err,
	}
}

func serializationFailure(op string, table string, err error) *RemoteFailure {
	return &RemoteFailure{
		Op:    op,
		Table: table,
		Kind:  FailureSerialization,
		Err:   err,
	}
}

func serverFailure(op string, table string, statusCode int, message string) *RemoteFailure {
	return &RemoteFailure{
		Op:         op,
		Table:      table,
		Kind:       FailureServer,
		StatusCode: statusCode,
		Message:    message,
	}
}

// custom RemoteTable implementations may return any error
// the core only surfaces RemoteFailure
func asRemoteFailure(op string, table string, err error) *RemoteFailure {
	if err == nil {
		return nil
	}
	var remoteFailure *RemoteFailure
	if errors.As(err, &remoteFailure) {
		return remoteFailure
	}
	return networkFailure(op, table, err)
}
