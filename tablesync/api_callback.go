package tablesync

type ApiCallback[R any] interface {
	Result(result R, err error)
}

type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) ApiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

// the channel is buffered so a result delivered after the receiver gave up does not block the caller
func NewBlockingApiCallback[R any]() (ApiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// waits for the single result of an async call
func await[R any](call func(callback ApiCallback[R])) (R, error) {
	callback, c := NewBlockingApiCallback[R]()
	call(callback)
	result := <-c
	return result.Result, result.Error
}
