package chatcore

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// mockTransport is a testify mock over the Transport interface.
type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Open(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockTransport) Write(data []byte) error {
	args := m.Called(data)
	return args.Error(0)
}

func (m *mockTransport) Close() {
	m.Called()
}

func (m *mockTransport) CloseErr() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockTransport) CloseChan() CloseChan {
	args := m.Called()
	return args.Get(0).(CloseChan)
}

// stubTransport is a scriptable in-memory transport for exercising the
// connection manager.
type stubTransport struct {
	mu        sync.Mutex
	openErr   error
	writeErr  error
	wrote     [][]byte
	closeChan CloseChan
	closeErr  error
	closeOnce sync.Once
	recv      chan<- []byte
}

func newStubTransport(recv chan<- []byte) *stubTransport {
	return &stubTransport{
		closeChan: make(CloseChan),
		recv:      recv,
	}
}

func (t *stubTransport) Open(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openErr
}

func (t *stubTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.wrote = append(t.wrote, data)
	return nil
}

func (t *stubTransport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if t.closeErr == nil {
			t.closeErr = ErrTerminated
		}
		t.mu.Unlock()
		close(t.closeChan)
	})
}

func (t *stubTransport) CloseErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *stubTransport) CloseChan() CloseChan { return t.closeChan }

// failWith simulates an abnormal closure with the given reason.
func (t *stubTransport) failWith(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeErr = err
		t.mu.Unlock()
		close(t.closeChan)
	})
}

// deliver pushes an inbound payload as if it arrived over the wire.
func (t *stubTransport) deliver(data []byte) {
	t.recv <- data
}

// written returns a copy of everything written so far.
func (t *stubTransport) written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.wrote))
	copy(out, t.wrote)
	return out
}

// stubTransportFactory builds stubTransports and keeps track of them. Open
// errors can be scripted per attempt.
type stubTransportFactory struct {
	mu       sync.Mutex
	created  []*stubTransport
	openErrs []error
}

func newStubTransportFactory() *stubTransportFactory {
	return &stubTransportFactory{}
}

// failNext scripts open errors for the next attempts, in order.
func (f *stubTransportFactory) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErrs = append(f.openErrs, errs...)
}

func (f *stubTransportFactory) factory() TransportFactory {
	return func(_ context.Context, _ string, recv chan<- []byte) Transport {
		t := newStubTransport(recv)
		f.mu.Lock()
		if len(f.openErrs) > 0 {
			t.openErr = f.openErrs[0]
			f.openErrs = f.openErrs[1:]
		}
		f.created = append(f.created, t)
		f.mu.Unlock()
		return t
	}
}

// last returns the most recently created transport.
func (f *stubTransportFactory) last() *stubTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *stubTransportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// flakySend returns a SendFunc failing with err for the first n calls, then
// succeeding, along with a call counter.
func flakySend(n int, err error) (SendFunc, *int) {
	calls := new(int)
	var mu sync.Mutex
	return func(string) error {
		mu.Lock()
		defer mu.Unlock()
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}, calls
}
