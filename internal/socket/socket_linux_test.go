package socket

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDupNetConn_Listener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	fd, err := DupNetConn(ln)
	require.NoError(t, err)
	defer unix.Close(fd)

	// the duplicate survives the original.
	require.NoError(t, ln.Close())

	sa, err := LocalAddr(fd)
	require.NoError(t, err)
	assert.Equal(t, ln.Addr().(*net.TCPAddr).Port, sa.Port)
	assert.NoError(t, Relisten(fd, 128))
}

func TestDupNetConn_Unsupported(t *testing.T) {
	_, err := DupNetConn(struct{}{})
	assert.Error(t, err)
}

func TestSockaddrToAddr(t *testing.T) {
	addr := SockaddrToAddr(&unix.SockaddrInet4{Port: 8888, Addr: [4]byte{127, 0, 0, 1}})
	assert.Equal(t, "127.0.0.1:8888", addr.String())
	assert.Nil(t, SockaddrToAddr(nil))
}

func TestSetNoDelayAndBuffers(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, SetNoDelay(fd, true))
	v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	assert.NoError(t, SetSendBuffer(fd, 4096))
	assert.NoError(t, SetRecvBuffer(fd, 4096))
}
