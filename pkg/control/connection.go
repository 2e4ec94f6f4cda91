package control

import (
	"encoding/binary"
	"io"
	"net"
	"syscall"

	"github.com/mstuehn/dinit/pkg/service"
)

// Connection represents a single control client connection. Commands that
// touch the service set run via the event loop's Call, keeping the engine
// single-threaded.
type Connection struct {
	server     *Server
	conn       net.Conn
	handles    map[uint32]service.Service
	nextHandle uint32
}

func newConnection(server *Server, conn net.Conn) *Connection {
	return &Connection{
		server:     server,
		conn:       conn,
		handles:    make(map[uint32]service.Service),
		nextHandle: 1,
	}
}

func (c *Connection) close() {
	c.conn.Close()
}

func (c *Connection) allocHandle(svc service.Service) uint32 {
	for h, s := range c.handles {
		if s == svc {
			return h
		}
	}
	h := c.nextHandle
	c.nextHandle++
	c.handles[h] = svc
	return h
}

func (c *Connection) getService(handle uint32) service.Service {
	return c.handles[handle]
}

func (c *Connection) serve() {
	defer c.close()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		default:
		}

		cmd, payload, err := ReadPacket(c.conn)
		if err != nil {
			if err != io.EOF {
				c.server.logger.Debug("Control connection read error: %v", err)
			}
			return
		}

		if err := c.dispatch(cmd, payload); err != nil {
			c.server.logger.Debug("Control command dispatch error: %v", err)
			return
		}
	}
}

func (c *Connection) dispatch(cmd uint8, payload []byte) error {
	switch cmd {
	case CmdQueryVersion:
		return c.handleQueryVersion()
	case CmdFindService:
		return c.handleFindService(payload)
	case CmdLoadService:
		return c.handleLoadService(payload)
	case CmdStartService:
		return c.handleStartService(payload)
	case CmdStopService:
		return c.handleStopService(payload)
	case CmdWakeService:
		return c.handleWakeService(payload)
	case CmdReleaseService:
		return c.handleReleaseService(payload)
	case CmdRestartService:
		return c.handleRestartService(payload)
	case CmdUnpinService:
		return c.handleUnpinService(payload)
	case CmdUnloadService:
		return c.handleUnloadService(payload)
	case CmdAddDep:
		return c.handleAddDep(payload)
	case CmdRmDep:
		return c.handleRmDep(payload)
	case CmdListServices:
		return c.handleListServices()
	case CmdServiceStatus:
		return c.handleServiceStatus(payload)
	case CmdCatLog:
		return c.handleCatLog(payload)
	case CmdShutdown:
		return c.handleShutdown(payload)
	case CmdCloseHandle:
		return c.handleCloseHandle(payload)
	case CmdSetTrigger:
		return c.handleSetTrigger(payload)
	case CmdSignal:
		return c.handleSignal(payload)
	default:
		return WritePacket(c.conn, RplyBadReq, nil)
	}
}

// serviceByHandle resolves a handle-bearing payload, replying BadReq on
// failure. The returned service is nil if a reply was already written.
func (c *Connection) serviceByHandle(payload []byte) (service.Service, error) {
	handle, err := DecodeHandle(payload)
	if err != nil {
		return nil, WritePacket(c.conn, RplyBadReq, nil)
	}
	svc := c.getService(handle)
	if svc == nil {
		return nil, WritePacket(c.conn, RplyBadReq, nil)
	}
	return svc, nil
}

func (c *Connection) serviceRecordReply(svc service.Service) error {
	handle := c.allocHandle(svc)
	reply := make([]byte, 6)
	reply[0] = uint8(svc.State())
	binary.LittleEndian.PutUint32(reply[1:], handle)
	reply[5] = uint8(svc.TargetState())
	return WritePacket(c.conn, RplyServiceRecord, reply)
}

// --- Command handlers ---

func (c *Connection) handleQueryVersion() error {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, ProtocolVersion)
	return WritePacket(c.conn, RplyCPVersion, payload)
}

func (c *Connection) handleFindService(payload []byte) error {
	name, _, err := DecodeServiceName(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	var svc service.Service
	c.server.loop.Call(func() {
		svc = c.server.services.FindService(name)
	})
	if svc == nil {
		return WritePacket(c.conn, RplyNoService, nil)
	}

	return c.serviceRecordReply(svc)
}

func (c *Connection) handleLoadService(payload []byte) error {
	name, _, err := DecodeServiceName(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	var svc service.Service
	var lerr error
	c.server.loop.Call(func() {
		svc, lerr = c.server.services.LoadService(name)
	})
	if lerr != nil {
		return WritePacket(c.conn, RplyNoService, []byte(lerr.Error()))
	}

	return c.serviceRecordReply(svc)
}

func (c *Connection) handleStartService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var reply uint8 = RplyACK
	c.server.loop.Call(func() {
		switch {
		case c.server.services.IsShuttingDown():
			reply = RplyShuttingDown
		case svc.State() == service.StateStarted:
			reply = RplyAlreadySS
		default:
			c.server.services.StartService(svc, true)
		}
	})
	return WritePacket(c.conn, reply, nil)
}

func (c *Connection) handleStopService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var reply uint8 = RplyACK
	c.server.loop.Call(func() {
		if svc.State() == service.StateStopped {
			reply = RplyAlreadySS
		} else {
			c.server.services.StopService(svc, true)
		}
	})
	return WritePacket(c.conn, reply, nil)
}

func (c *Connection) handleWakeService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var reply uint8 = RplyACK
	c.server.loop.Call(func() {
		switch {
		case c.server.services.IsShuttingDown():
			reply = RplyShuttingDown
		default:
			if !c.server.services.WakeService(svc) {
				reply = RplyNAK
			}
		}
	})
	return WritePacket(c.conn, reply, nil)
}

func (c *Connection) handleReleaseService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	c.server.loop.Call(func() {
		c.server.services.ReleaseService(svc)
	})
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleRestartService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var reply uint8 = RplyACK
	c.server.loop.Call(func() {
		switch {
		case c.server.services.IsShuttingDown():
			reply = RplyShuttingDown
		default:
			if !c.server.services.RestartService(svc) {
				reply = RplyNAK
			}
		}
	})
	return WritePacket(c.conn, reply, nil)
}

func (c *Connection) handleUnpinService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	c.server.loop.Call(func() {
		c.server.services.UnpinService(svc)
	})
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleUnloadService(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var uerr error
	c.server.loop.Call(func() {
		uerr = c.server.services.UnloadService(svc)
	})
	if uerr != nil {
		return WritePacket(c.conn, RplyErrMsg, []byte(uerr.Error()))
	}

	for h, s := range c.handles {
		if s == svc {
			delete(c.handles, h)
		}
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleAddDep(payload []byte) error {
	fromName, toName, depType, err := DecodeDepRequest(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	var derr error
	c.server.loop.Call(func() {
		from := c.server.services.FindService(fromName)
		to := c.server.services.FindService(toName)
		if from == nil || to == nil {
			derr = &service.ServiceNotFound{Name: fromName}
			if from != nil {
				derr = &service.ServiceNotFound{Name: toName}
			}
			return
		}
		_, derr = c.server.services.AddDependency(from, to, depType)
	})
	if derr != nil {
		return WritePacket(c.conn, RplyErrMsg, []byte(derr.Error()))
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleRmDep(payload []byte) error {
	fromName, toName, depType, err := DecodeDepRequest(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	var reply uint8 = RplyACK
	c.server.loop.Call(func() {
		from := c.server.services.FindService(fromName)
		to := c.server.services.FindService(toName)
		if from == nil || to == nil || !c.server.services.RmDependency(from, to, depType) {
			reply = RplyNAK
		}
	})
	return WritePacket(c.conn, reply, nil)
}

func (c *Connection) handleListServices() error {
	var infos [][]byte
	c.server.loop.Call(func() {
		for _, svc := range c.server.services.ListServices() {
			infos = append(infos, EncodeSvcInfo(svc))
		}
	})
	for _, info := range infos {
		if err := WritePacket(c.conn, RplySvcInfo, info); err != nil {
			return err
		}
	}
	return WritePacket(c.conn, RplyListDone, nil)
}

func (c *Connection) handleServiceStatus(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var status []byte
	c.server.loop.Call(func() {
		status = EncodeServiceStatus(svc)
	})
	return WritePacket(c.conn, RplyServiceStatus, status)
}

func (c *Connection) handleCatLog(payload []byte) error {
	svc, err := c.serviceByHandle(payload)
	if svc == nil {
		return err
	}

	var data []byte
	var ok bool
	c.server.loop.Call(func() {
		if svc.GetLogType() == service.LogToBuffer && svc.GetLogBuffer() != nil {
			data = svc.GetLogBuffer().GetBuffer()
			ok = true
		}
	})
	if !ok {
		return WritePacket(c.conn, RplyNAK, nil)
	}
	if len(data) > MaxPayloadSize {
		data = data[len(data)-MaxPayloadSize:]
	}
	return WritePacket(c.conn, RplyCatLogData, data)
}

func (c *Connection) handleShutdown(payload []byte) error {
	if len(payload) < 1 {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	shutType := service.ShutdownType(payload[0])
	if c.server.ShutdownFunc != nil {
		c.server.ShutdownFunc(shutType)
	}
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleCloseHandle(payload []byte) error {
	handle, err := DecodeHandle(payload)
	if err != nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	delete(c.handles, handle)
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleSetTrigger(payload []byte) error {
	// Format: handle(4) + triggerValue(1)
	if len(payload) < 5 {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	handle := binary.LittleEndian.Uint32(payload)
	triggerVal := payload[4] != 0

	svc := c.getService(handle)
	if svc == nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	triggered, ok := svc.(*service.TriggeredService)
	if !ok {
		return WritePacket(c.conn, RplyNAK, nil)
	}

	c.server.loop.Call(func() {
		triggered.SetTrigger(triggerVal)
	})
	return WritePacket(c.conn, RplyACK, nil)
}

func (c *Connection) handleSignal(payload []byte) error {
	// Format: handle(4) + signal(4)
	if len(payload) < 8 {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	handle := binary.LittleEndian.Uint32(payload)
	sigNum := int(binary.LittleEndian.Uint32(payload[4:]))

	svc := c.getService(handle)
	if svc == nil {
		return WritePacket(c.conn, RplyBadReq, nil)
	}

	var reply uint8 = RplyACK
	var errMsg []byte
	c.server.loop.Call(func() {
		pid := svc.PID()
		if pid <= 0 {
			reply = RplySignalNoPID
			return
		}
		if err := c.server.services.Agent().Signal(pid, syscall.Signal(sigNum), true); err != nil {
			reply = RplySignalErr
			errMsg = []byte(err.Error())
		}
	})
	return WritePacket(c.conn, reply, errMsg)
}
