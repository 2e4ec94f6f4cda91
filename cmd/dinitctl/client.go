package main

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mstuehn/dinit/pkg/control"
	"github.com/mstuehn/dinit/pkg/service"
)

// client wraps a control socket connection.
type client struct {
	conn net.Conn
}

func dial(socketPath string) (*client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", socketPath, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) close() {
	c.conn.Close()
}

// roundTrip sends one packet and reads one reply.
func (c *client) roundTrip(cmd uint8, payload []byte) (uint8, []byte, error) {
	if err := control.WritePacket(c.conn, cmd, payload); err != nil {
		return 0, nil, err
	}
	return control.ReadPacket(c.conn)
}

// loadService loads a service and returns its handle.
func (c *client) loadService(name string) (uint32, error) {
	reply, payload, err := c.roundTrip(control.CmdLoadService, control.EncodeServiceName(name))
	if err != nil {
		return 0, err
	}
	switch reply {
	case control.RplyServiceRecord:
		if len(payload) < 6 {
			return 0, fmt.Errorf("malformed service record reply")
		}
		return binary.LittleEndian.Uint32(payload[1:]), nil
	case control.RplyNoService:
		if len(payload) > 0 {
			return 0, fmt.Errorf("%s", payload)
		}
		return 0, fmt.Errorf("service not found: %s", name)
	default:
		return 0, fmt.Errorf("unexpected reply: %d", reply)
	}
}

// simpleCommand resolves a service and runs a handle command on it.
func (c *client) simpleCommand(cmd uint8, name string) error {
	handle, err := c.loadService(name)
	if err != nil {
		return err
	}

	reply, payload, err := c.roundTrip(cmd, control.EncodeHandle(handle))
	if err != nil {
		return err
	}
	return interpretReply(reply, payload)
}

func interpretReply(reply uint8, payload []byte) error {
	switch reply {
	case control.RplyACK:
		return nil
	case control.RplyAlreadySS:
		return fmt.Errorf("service already in target state")
	case control.RplyNAK:
		return fmt.Errorf("request refused")
	case control.RplyShuttingDown:
		return fmt.Errorf("supervisor is shutting down")
	case control.RplySignalNoPID:
		return fmt.Errorf("service has no process")
	case control.RplyErrMsg, control.RplySignalErr:
		return fmt.Errorf("%s", payload)
	default:
		return fmt.Errorf("unexpected reply: %d", reply)
	}
}

func parseDepType(s string) (service.DependencyType, error) {
	switch s {
	case "regular":
		return service.DepRegular, nil
	case "soft":
		return service.DepSoft, nil
	case "waits-for":
		return service.DepWaitsFor, nil
	case "milestone":
		return service.DepMilestone, nil
	case "before":
		return service.DepBefore, nil
	case "after":
		return service.DepAfter, nil
	default:
		return 0, fmt.Errorf("unknown dependency type: %s (use regular, soft, waits-for, milestone, before, after)", s)
	}
}
