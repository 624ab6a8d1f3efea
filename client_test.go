package indi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDialer struct {
	mock.Mock
}

func (m *mockDialer) Dial(network, address string) (net.Conn, error) {
	args := m.Called(network, address)

	c := args.Get(0)
	err := args.Error(1)
	if c == nil {
		return nil, err
	}

	return c.(net.Conn), err
}

func newPipedClient(t *testing.T, reconnect bool) (*Client, net.Conn) {
	t.Helper()

	clientSide, serverSide := net.Pipe()

	dialer := &mockDialer{}
	dialer.On("Dial", "tcp", "localhost:7624").Return(clientSide, nil)

	c := NewClient(testLogger(), dialer, "tcp", "localhost:7624", reconnect)
	return c, serverSide
}

// drainGetProperties reads and discards the initial getProperties request
// every connectAndServe sends on start, so later reads in a test see only
// what the test itself writes afterward.
func drainGetProperties(t *testing.T, server net.Conn) {
	t.Helper()
	buf := make([]byte, 512)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := server.Read(buf)
	require.NoError(t, err)
}

func TestClient_StartStopIdempotent(t *testing.T) {
	c, server := newPipedClient(t, false)
	defer server.Close()

	c.Start()
	c.Start() // no-op, must not spawn a second run loop

	drainGetProperties(t, server)

	done := make(chan struct{})
	go func() {
		c.Stop()
		c.Stop() // no-op
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * SynchronizationTimeout):
		t.Fatal("Stop did not return within the synchronization bound")
	}

	assert.Equal(t, StatusStopped, c.Status())
}

func TestClient_ReceivesDefinition(t *testing.T) {
	c, server := newPipedClient(t, false)
	defer server.Close()
	defer c.Stop()

	c.Start()
	drainGetProperties(t, server)

	_, err := server.Write([]byte(`<defNumberVector device="tele" name="pos" state="Idle" perm="rw"><defNumber name="ra">1.5</defNumber></defNumberVector>`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Store().HasProperty("tele", "pos")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_SetNumberValueTransmitsAndEchoes(t *testing.T) {
	c, server := newPipedClient(t, false)
	defer server.Close()
	defer c.Stop()

	c.Start()
	drainGetProperties(t, server)

	_, err := server.Write([]byte(`<defNumberVector device="tele" name="pos" state="Idle" perm="rw"><defNumber name="ra">1.5</defNumber></defNumberVector>`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Store().HasProperty("tele", "pos") }, 2*time.Second, 10*time.Millisecond)

	err = c.SetNumberValue("tele", "pos", "ra", 9.0)
	require.NoError(t, err)

	v, err := c.Store().Get("tele", "pos", "ra")
	require.NoError(t, err)
	n, ok := v.Number()
	require.True(t, ok)
	assert.Equal(t, 9.0, n, "echo applies optimistically before the bytes are read back")

	buf := make([]byte, 512)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	nRead, err := server.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:nRead]), `<newNumberVector device="tele" name="pos"`)
}

func TestClient_DialerError(t *testing.T) {
	dialer := &mockDialer{}
	dialer.On("Dial", "tcp", "localhost:1").Return(nil, errors.New("some error"))

	c := NewClient(testLogger(), dialer, "tcp", "localhost:1", false)
	c.Start()

	require.Eventually(t, func() bool {
		return c.Status() == StatusStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_GetPropertiesPropWithoutDevice(t *testing.T) {
	c, server := newPipedClient(t, false)
	defer server.Close()
	defer c.Stop()

	c.Start()
	drainGetProperties(t, server)

	err := c.GetProperties("", "prop1")
	require.ErrorIs(t, err, ErrPropertyWithoutDevice)
}

func TestClient_WaitForPropertiesTimeout(t *testing.T) {
	c, server := newPipedClient(t, false)
	defer server.Close()
	defer c.Stop()

	c.Start()
	drainGetProperties(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := c.WaitForProperties(ctx, []string{"tele.pos"}, 500*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestClient_WaitForPropertiesSucceedsAfterDefine(t *testing.T) {
	c, server := newPipedClient(t, false)
	defer server.Close()
	defer c.Stop()

	c.Start()
	drainGetProperties(t, server)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = server.Write([]byte(`<defNumberVector device="tele" name="pos" state="Idle" perm="rw"><defNumber name="ra">1.5</defNumber></defNumberVector>`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := c.WaitForProperties(ctx, []string{"tele.pos"}, 3*time.Second)
	require.NoError(t, err)
}
