package transport_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/wsstream/api"
	"github.com/momentics/wsstream/protocol"
	"github.com/momentics/wsstream/stream"
	"github.com/momentics/wsstream/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pair(t *testing.T, ctx context.Context) (server, client *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	server = transport.Serve(ctx, a, transport.Options{
		Stream:       stream.DefaultConfig(api.RoleServer),
		CloseTimeout: time.Second,
	})
	client = transport.Serve(ctx, b, transport.Options{
		Stream:       stream.DefaultConfig(api.RoleClient),
		CloseTimeout: time.Second,
	})
	return server, client
}

func TestConnRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server, client := pair(t, ctx)

	require.NoError(t, client.WriteMessage(ctx, protocol.OpcodeText, []byte("hello")))
	msg, err := server.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpcodeText, msg.Opcode)
	assert.Equal(t, "hello", string(msg.Data))

	big := make([]byte, 200<<10)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, server.WriteMessage(ctx, protocol.OpcodeBinary, big))
	msg, err = client.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpcodeBinary, msg.Opcode)
	assert.Equal(t, big, msg.Data)

	closed := make(chan error, 1)
	go func() { closed <- client.Close() }()

	_, err = server.ReadMessage(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.Close())
	require.NoError(t, <-closed)

	assert.Equal(t, protocol.CloseNormalClosure, server.CloseEvent().Code)
	assert.Equal(t, protocol.CloseNormalClosure, client.CloseEvent().Code)
	assert.NoError(t, server.Err())
	assert.Equal(t, uint64(1), server.Stats().MessagesIn)
}

func TestConnReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server, client := pair(t, ctx)

	n, err := client.Write([]byte("stream bytes"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	buf := make([]byte, 6)
	n, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "stream", string(buf[:n]))
	n, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, " bytes", string(buf[:n]))

	go func() { _ = client.Close() }()
	_, err = server.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.Close())
	<-client.Done()
	require.NoError(t, client.Wait())
}

func TestConnPeerVanishes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := net.Pipe()
	server := transport.Serve(ctx, a, transport.Options{Stream: stream.DefaultConfig(api.RoleServer)})

	require.NoError(t, b.Close())
	_, err := server.ReadMessage(ctx)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, server.Close())
	assert.Equal(t, protocol.CloseAbnormalClosure, server.CloseEvent().Code)
}

func TestConnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, b := net.Pipe()
	defer b.Close()
	server := transport.Serve(ctx, a, transport.Options{Stream: stream.DefaultConfig(api.RoleServer)})

	cancel()
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not destroyed")
	}
	assert.ErrorIs(t, server.Err(), context.Canceled)
	require.NoError(t, server.Wait())

	err := server.WriteMessage(context.Background(), protocol.OpcodeText, []byte("late"))
	var notOpen *api.NotOpenError
	assert.ErrorAs(t, err, &notOpen)
}

func TestConnPingPong(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := net.Pipe()
	pongs := make(chan string, 1)
	server := transport.Serve(ctx, a, transport.Options{Stream: stream.DefaultConfig(api.RoleServer)})
	client := transport.Serve(ctx, b, transport.Options{
		Stream: stream.DefaultConfig(api.RoleClient),
		OnPong: func(p []byte) { pongs <- string(p) },
	})

	require.NoError(t, client.Ping(ctx, []byte("are you there")))
	select {
	case p := <-pongs:
		assert.Equal(t, "are you there", p)
	case <-ctx.Done():
		t.Fatal("no pong")
	}

	go func() { _ = client.Close() }()
	_, err := server.ReadMessage(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, server.Close())
	<-client.Done()
	require.NoError(t, client.Wait())
}

func TestConnPeerClosesRightAfterCloseFrame(t *testing.T) {
	body, err := protocol.EncodeClosePayload(protocol.CloseNormalClosure, "bye")
	require.NoError(t, err)
	frame, err := protocol.EncodeFrame(&protocol.Frame{
		Fin:     true,
		Opcode:  protocol.OpcodeClose,
		Masked:  true,
		MaskKey: [4]byte{1, 2, 3, 4},
		Payload: body,
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a, b := net.Pipe()
		server := transport.Serve(ctx, a, transport.Options{
			Stream:       stream.DefaultConfig(api.RoleServer),
			CloseTimeout: time.Second,
		})

		_, err := b.Write(frame)
		require.NoError(t, err)
		require.NoError(t, b.Close())

		_, err = server.ReadMessage(ctx)
		assert.ErrorIs(t, err, io.EOF)
		require.NoError(t, server.Close())
		assert.Equal(t, stream.CloseEvent{Code: protocol.CloseNormalClosure, Reason: "bye"}, server.CloseEvent())
		cancel()
	}
}
