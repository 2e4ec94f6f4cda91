package control

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstuehn/dinit/pkg/eventloop"
	"github.com/mstuehn/dinit/pkg/logging"
	"github.com/mstuehn/dinit/pkg/process"
	"github.com/mstuehn/dinit/pkg/service"
)

type serverFixture struct {
	set    *service.ServiceSet
	loop   *eventloop.Loop
	server *Server
	conn   net.Conn
	cancel context.CancelFunc
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	logger := logging.New(logging.ParseLevel("error"), io.Discard)
	loop := eventloop.New(logger)
	clock := eventloop.NewTimerSource(loop)
	agent := process.NewSystemAgent(loop.Post)
	set := service.NewServiceSet(logger, clock, agent)
	loop.SetServices(set)

	sockPath := filepath.Join(t.TempDir(), "ctl.sock")
	server := NewServer(set, loop, sockPath, logger)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Start(ctx))

	go loop.Run(ctx)

	conn, err := net.DialTimeout("unix", sockPath, time.Second)
	require.NoError(t, err)

	f := &serverFixture{set: set, loop: loop, server: server, conn: conn, cancel: cancel}
	t.Cleanup(func() {
		conn.Close()
		server.Stop()
		cancel()
	})
	return f
}

func (f *serverFixture) addInternal(name string) service.Service {
	var svc service.Service
	f.loop.Call(func() {
		svc = service.NewInternalService(f.set, name)
		f.set.AddService(svc)
	})
	return svc
}

func (f *serverFixture) roundTrip(t *testing.T, cmd uint8, payload []byte) (uint8, []byte) {
	t.Helper()
	require.NoError(t, WritePacket(f.conn, cmd, payload))
	reply, data, err := ReadPacket(f.conn)
	require.NoError(t, err)
	return reply, data
}

func (f *serverFixture) findHandle(t *testing.T, name string) uint32 {
	t.Helper()
	reply, data := f.roundTrip(t, CmdFindService, EncodeServiceName(name))
	require.Equal(t, RplyServiceRecord, reply)
	require.GreaterOrEqual(t, len(data), 6)
	return binary.LittleEndian.Uint32(data[1:])
}

func TestServerQueryVersion(t *testing.T) {
	f := newServerFixture(t)

	reply, data := f.roundTrip(t, CmdQueryVersion, nil)
	assert.Equal(t, RplyCPVersion, reply)
	require.Len(t, data, 2)
	assert.Equal(t, ProtocolVersion, binary.LittleEndian.Uint16(data))
}

func TestServerStartStopService(t *testing.T) {
	f := newServerFixture(t)
	svc := f.addInternal("web")

	handle := f.findHandle(t, "web")

	reply, _ := f.roundTrip(t, CmdStartService, EncodeHandle(handle))
	assert.Equal(t, RplyACK, reply)

	var state service.ServiceState
	f.loop.Call(func() { state = svc.State() })
	assert.Equal(t, service.StateStarted, state)

	// A second start is already-in-state.
	reply, _ = f.roundTrip(t, CmdStartService, EncodeHandle(handle))
	assert.Equal(t, RplyAlreadySS, reply)

	reply, _ = f.roundTrip(t, CmdStopService, EncodeHandle(handle))
	assert.Equal(t, RplyACK, reply)

	f.loop.Call(func() { state = svc.State() })
	assert.Equal(t, service.StateStopped, state)
}

func TestServerFindUnknownService(t *testing.T) {
	f := newServerFixture(t)

	reply, _ := f.roundTrip(t, CmdFindService, EncodeServiceName("nope"))
	assert.Equal(t, RplyNoService, reply)
}

func TestServerListServices(t *testing.T) {
	f := newServerFixture(t)
	f.addInternal("alpha")
	f.addInternal("beta")

	require.NoError(t, WritePacket(f.conn, CmdListServices, nil))

	names := map[string]bool{}
	for {
		reply, data, err := ReadPacket(f.conn)
		require.NoError(t, err)
		if reply == RplyListDone {
			break
		}
		require.Equal(t, RplySvcInfo, reply)
		entry, _, err := DecodeSvcInfo(data)
		require.NoError(t, err)
		names[entry.Name] = true
		assert.Equal(t, service.StateStopped, entry.State)
	}

	assert.True(t, names["alpha"])
	assert.True(t, names["beta"])
}

func TestServerAddRmDep(t *testing.T) {
	f := newServerFixture(t)
	f.addInternal("from")
	f.addInternal("to")

	reply, _ := f.roundTrip(t, CmdAddDep, EncodeDepRequest("from", "to", service.DepRegular))
	assert.Equal(t, RplyACK, reply)

	// Reverse edge closes a cycle.
	reply, data := f.roundTrip(t, CmdAddDep, EncodeDepRequest("to", "from", service.DepRegular))
	assert.Equal(t, RplyErrMsg, reply)
	assert.Contains(t, string(data), "cycle")

	reply, _ = f.roundTrip(t, CmdRmDep, EncodeDepRequest("from", "to", service.DepRegular))
	assert.Equal(t, RplyACK, reply)

	reply, _ = f.roundTrip(t, CmdRmDep, EncodeDepRequest("from", "to", service.DepRegular))
	assert.Equal(t, RplyNAK, reply)
}

func TestServerUnloadService(t *testing.T) {
	f := newServerFixture(t)
	f.addInternal("solo")

	handle := f.findHandle(t, "solo")

	reply, _ := f.roundTrip(t, CmdUnloadService, EncodeHandle(handle))
	assert.Equal(t, RplyACK, reply)

	reply, _ = f.roundTrip(t, CmdFindService, EncodeServiceName("solo"))
	assert.Equal(t, RplyNoService, reply)
}
