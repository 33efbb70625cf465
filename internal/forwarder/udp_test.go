package forwarder

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lawtro37/NAT-bridge/internal/metrics"
)

func udpEchoServer(t *testing.T) (port int, closeFn func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port, func() { conn.Close() }
}

func TestUDPExposerRelaysDatagram(t *testing.T) {
	port, closeSrv := udpEchoServer(t)
	defer closeSrv()

	exposerSess, accessorSess := sessionPair(t)
	m := metrics.New(nil)
	exp := &UDPExposer{ExposedPort: port, Admission: &alwaysAdmit{}, Metrics: m}
	exposerSess.OnOpen(exp.HandleOpen)

	st, err := accessorSess.Open()
	require.NoError(t, err)

	_, err = st.Write([]byte("datagram-1"))
	require.NoError(t, err)

	msg, err := st.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "datagram-1", string(msg))
}

func TestUDPExposerIdleFlowToUnusedPort(t *testing.T) {
	exposerSess, accessorSess := sessionPair(t)
	m := metrics.New(nil)
	exp := &UDPExposer{ExposedPort: 0, Admission: &alwaysAdmit{}, Metrics: m} // port 0 has no listener to "connect" to on read

	exposerSess.OnOpen(exp.HandleOpen)
	st, err := accessorSess.Open()
	require.NoError(t, err)
	_ = st

	// UDP "dial" to an unused port generally succeeds at the socket layer
	// (no handshake), so this primarily exercises that HandleOpen doesn't
	// panic on an idle flow; explicit failure is exercised via Admission
	// in the TCP variant since net.Dial("udp", ...) rarely errors outright.
	time.Sleep(10 * time.Millisecond)
}

func TestUDPAccessorStartOpensSubstreamAndBindsSocket(t *testing.T) {
	port, closeSrv := udpEchoServer(t)
	defer closeSrv()

	exposerSess, accessorSess := sessionPair(t)
	m := metrics.New(nil)
	exp := &UDPExposer{ExposedPort: port, Admission: &alwaysAdmit{}, Metrics: m}
	exposerSess.OnOpen(exp.HandleOpen)

	acc := &UDPAccessor{ListenPort: 0, Session: accessorSess, Admission: &alwaysAdmit{}, Metrics: m}
	require.NoError(t, acc.Start())
	defer acc.Close()

	client, err := net.Dial("udp", acc.conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("hello-udp"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello-udp", string(buf[:n]))
}

func TestUDPExposerRejectsWhenAdmissionFull(t *testing.T) {
	exposerSess, accessorSess := sessionPair(t)
	m := metrics.New(nil)
	exp := &UDPExposer{ExposedPort: 0, Admission: neverAdmit{}, Metrics: m}
	exposerSess.OnOpen(exp.HandleOpen)

	st, err := accessorSess.Open()
	require.NoError(t, err)

	_, err = st.ReadMessage()
	require.Error(t, err) // substream closed immediately, no socket ever dialed
}

func TestUDPAccessorStartRejectsWhenAdmissionFull(t *testing.T) {
	_, accessorSess := sessionPair(t)
	m := metrics.New(nil)
	acc := &UDPAccessor{ListenPort: 0, Session: accessorSess, Admission: neverAdmit{}, Metrics: m}
	err := acc.Start()
	require.Error(t, err)
}

func TestUDPAccessorReplyAddrIsOwnListenPort(t *testing.T) {
	acc := &UDPAccessor{ListenPort: 5555}
	addr := acc.ReplyAddr()
	require.Equal(t, 5555, addr.Port)
	require.True(t, addr.IP.Equal(net.IPv4(127, 0, 0, 1)))
}
