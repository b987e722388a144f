package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brineport/netframe/message"
)

func TestSendDeliversFramedMessage(t *testing.T) {
	a, b := net.Pipe()

	delivered := make(chan *message.Message, 1)
	side := New(b, func(m *message.Message) { delivered <- m }, nil)
	side.Start()
	defer side.Close()

	other := New(a, nil, nil)
	other.Start()
	defer other.Close()

	msg := message.New(7)
	require.NoError(t, msg.Append([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	other.Send(msg)

	select {
	case got := <-delivered:
		require.Equal(t, uint16(7), got.ID())
		require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got.Payload())
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestSendPreservesFIFOOrder(t *testing.T) {
	a, b := net.Pipe()

	delivered := make(chan *message.Message, 8)
	side := New(b, func(m *message.Message) { delivered <- m }, nil)
	side.Start()
	defer side.Close()

	other := New(a, nil, nil)
	other.Start()
	defer other.Close()

	for i := uint16(0); i < 5; i++ {
		other.Send(message.New(i))
	}

	for i := uint16(0); i < 5; i++ {
		select {
		case got := <-delivered:
			require.Equal(t, i, got.ID())
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestEmptyPayloadStillDelivers(t *testing.T) {
	a, b := net.Pipe()

	delivered := make(chan *message.Message, 1)
	side := New(b, func(m *message.Message) { delivered <- m }, nil)
	side.Start()
	defer side.Close()

	other := New(a, nil, nil)
	other.Start()
	defer other.Close()

	other.Send(message.New(3))

	select {
	case got := <-delivered:
		require.Equal(t, 0, got.PayloadSize())
	case <-time.After(2 * time.Second):
		t.Fatal("empty message was not delivered")
	}
}

func TestCloseUnblocksReaderAndWriterWithoutIOError(t *testing.T) {
	a, b := net.Pipe()

	errs := make(chan error, 1)
	c := New(a, nil, func(err error) { errs <- err })
	c.Start()

	other := New(b, nil, nil)
	other.Start()
	defer other.Close()

	c.Close()

	select {
	case err := <-errs:
		t.Fatalf("onIOError fired on intentional close: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	require.False(t, c.Open())
}

func TestPeerCloseReportsIOError(t *testing.T) {
	a, b := net.Pipe()

	errs := make(chan error, 1)
	c := New(a, nil, func(err error) { errs <- err })
	c.Start()

	other := New(b, nil, nil)
	other.Start()
	other.Close()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("peer close was not reported as an I/O error")
	}

	require.False(t, c.Open())
	c.Close()
}
