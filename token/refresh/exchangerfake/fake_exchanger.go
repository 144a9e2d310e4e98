package exchangerfake

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-listsync/session"
	"github.com/jrsteele09/go-listsync/token/refresh"
)

var _ refresh.Exchanger = (*FakeExchanger)(nil)

// FakeExchanger returns a scripted response. When Gate is non-nil every
// Exchange blocks until it is closed.
type FakeExchanger struct {
	lock     sync.Mutex
	response *session.AuthResponse
	err      error
	calls    int
	Gate     chan struct{}
	Started  chan struct{}
}

func NewFakeExchanger(response *session.AuthResponse, err error) *FakeExchanger {
	return &FakeExchanger{
		response: response,
		err:      err,
		Started:  make(chan struct{}, 64),
	}
}

func (f *FakeExchanger) Set(response *session.AuthResponse, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.response = response
	f.err = err
}

func (f *FakeExchanger) Exchange(ctx context.Context) (*session.AuthResponse, error) {
	f.lock.Lock()
	f.calls++
	gate := f.Gate
	f.lock.Unlock()

	select {
	case f.Started <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if err := f.response.Validate(); err != nil {
		return nil, err
	}
	copied := *f.response
	return &copied, nil
}

func (f *FakeExchanger) Calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}
