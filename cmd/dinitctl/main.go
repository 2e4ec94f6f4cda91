// dinitctl is the control client for the dinitd service supervisor.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mstuehn/dinit/internal/util"
	"github.com/mstuehn/dinit/pkg/control"
	"github.com/mstuehn/dinit/pkg/service"
)

var socketPath string

func defaultSocketPath() string {
	if os.Geteuid() == 0 {
		return "/run/dinitctl"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dinitctl")
}

func withClient(fn func(c *client) error) error {
	c, err := dial(socketPath)
	if err != nil {
		return err
	}
	defer c.close()
	return fn(c)
}

func simpleServiceCommand(use, short string, cmd uint8) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				return c.simpleCommand(cmd, args[0])
			})
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded services",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(func(c *client) error {
				if err := control.WritePacket(c.conn, control.CmdListServices, nil); err != nil {
					return err
				}
				for {
					reply, payload, err := control.ReadPacket(c.conn)
					if err != nil {
						return err
					}
					if reply == control.RplyListDone {
						return nil
					}
					if reply != control.RplySvcInfo {
						return fmt.Errorf("unexpected reply: %d", reply)
					}
					entry, _, err := control.DecodeSvcInfo(payload)
					if err != nil {
						return err
					}
					printSvcInfo(entry)
				}
			})
		},
	}
}

func printSvcInfo(e control.SvcInfoEntry) {
	marks := ""
	if e.Flags&control.StatusFlagMarkedActive != 0 {
		marks += "+"
	}
	if e.Flags&control.StatusFlagStartFailed != 0 {
		marks += "!"
	}
	if e.Flags&control.StatusFlagStartSkipped != 0 {
		marks += "s"
	}
	if e.Flags&control.StatusFlagPinStarted != 0 {
		marks += "P"
	}
	if e.Flags&control.StatusFlagPinStopped != 0 {
		marks += "p"
	}

	line := fmt.Sprintf("[%-8s -> %-8s]%-3s %s", e.State, e.TargetState, marks, e.Name)
	if e.Flags&control.StatusFlagHasPID != 0 {
		line += fmt.Sprintf(" (pid: %d)", e.PID)
	}
	if e.State == service.StateStopped && e.StopReason != service.ReasonNormal {
		line += fmt.Sprintf(" (%s)", e.StopReason)
	}
	fmt.Println(line)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <service>",
		Short: "Show detailed service status",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				handle, err := c.loadService(args[0])
				if err != nil {
					return err
				}
				reply, payload, err := c.roundTrip(control.CmdServiceStatus, control.EncodeHandle(handle))
				if err != nil {
					return err
				}
				if reply != control.RplyServiceStatus {
					return interpretReply(reply, payload)
				}
				info, err := control.DecodeServiceStatus(payload)
				if err != nil {
					return err
				}
				fmt.Printf("Service: %s\n", args[0])
				fmt.Printf("  Type:    %s\n", info.SvcType)
				fmt.Printf("  State:   %s (target: %s)\n", info.State, info.TargetState)
				if info.Flags&control.StatusFlagHasPID != 0 {
					fmt.Printf("  PID:     %d\n", info.PID)
				}
				if info.State == service.StateStopped {
					fmt.Printf("  Stop reason: %s\n", info.StopReason)
					if info.ExitStatus >= 0 {
						fmt.Printf("  Exit status: %d\n", info.ExitStatus)
					}
				}
				return nil
			})
		},
	}
}

func newDepCommand(use, short string, cmdCode uint8) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <type> <from-service> <to-service>",
		Short: short,
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			depType, err := parseDepType(args[0])
			if err != nil {
				return err
			}
			return withClient(func(c *client) error {
				// Both endpoints must be loaded first.
				if _, err := c.loadService(args[1]); err != nil {
					return err
				}
				if _, err := c.loadService(args[2]); err != nil {
					return err
				}
				reply, payload, err := c.roundTrip(cmdCode,
					control.EncodeDepRequest(args[1], args[2], depType))
				if err != nil {
					return err
				}
				return interpretReply(reply, payload)
			})
		},
	}
}

func newTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <service>",
		Short: "Trigger a triggered service",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				handle, err := c.loadService(args[0])
				if err != nil {
					return err
				}
				payload := append(control.EncodeHandle(handle), 1)
				reply, rp, err := c.roundTrip(control.CmdSetTrigger, payload)
				if err != nil {
					return err
				}
				return interpretReply(reply, rp)
			})
		},
	}
}

func newSignalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signal <service> <signal>",
		Short: "Send a signal to a service's process",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			sig, err := util.ParseSignal(args[1])
			if err != nil {
				return err
			}
			return withClient(func(c *client) error {
				handle, err := c.loadService(args[0])
				if err != nil {
					return err
				}
				payload := make([]byte, 8)
				copy(payload, control.EncodeHandle(handle))
				payload[4] = byte(sig)
				reply, rp, err := c.roundTrip(control.CmdSignal, payload)
				if err != nil {
					return err
				}
				return interpretReply(reply, rp)
			})
		},
	}
}

func newCatLogCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "catlog <service>",
		Short: "Print a service's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(c *client) error {
				handle, err := c.loadService(args[0])
				if err != nil {
					return err
				}
				reply, payload, err := c.roundTrip(control.CmdCatLog, control.EncodeHandle(handle))
				if err != nil {
					return err
				}
				if reply != control.RplyCatLogData {
					return interpretReply(reply, payload)
				}
				os.Stdout.Write(payload)
				return nil
			})
		},
	}
}

func newShutdownCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop all services and shut the supervisor down",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var t service.ShutdownType
			switch mode {
			case "halt":
				t = service.ShutdownHalt
			case "poweroff":
				t = service.ShutdownPoweroff
			case "reboot":
				t = service.ShutdownReboot
			default:
				return fmt.Errorf("unknown shutdown mode: %s", mode)
			}
			return withClient(func(c *client) error {
				reply, payload, err := c.roundTrip(control.CmdShutdown, []byte{byte(t)})
				if err != nil {
					return err
				}
				return interpretReply(reply, payload)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "halt", "shutdown mode (halt, poweroff, reboot)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the supervisor's control protocol version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withClient(func(c *client) error {
				reply, payload, err := c.roundTrip(control.CmdQueryVersion, nil)
				if err != nil {
					return err
				}
				if reply != control.RplyCPVersion || len(payload) < 2 {
					return fmt.Errorf("unexpected reply: %d", reply)
				}
				fmt.Println("control protocol version:", strconv.Itoa(int(payload[0])|int(payload[1])<<8))
				return nil
			})
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "dinitctl",
		Short:         "Control the dinitd service supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket-path", defaultSocketPath(),
		"path to the control socket")

	root.AddCommand(
		simpleServiceCommand("start", "Start a service (and mark it explicitly activated)", control.CmdStartService),
		simpleServiceCommand("stop", "Stop a service and its unneeded dependencies", control.CmdStopService),
		simpleServiceCommand("restart", "Restart a started service", control.CmdRestartService),
		simpleServiceCommand("wake", "Start a service without marking it activated", control.CmdWakeService),
		simpleServiceCommand("release", "Clear a service's explicit activation", control.CmdReleaseService),
		simpleServiceCommand("unpin", "Clear start/stop pins", control.CmdUnpinService),
		simpleServiceCommand("unload", "Unload a stopped service", control.CmdUnloadService),
		newDepCommand("add-dep", "Add a dependency between services", control.CmdAddDep),
		newDepCommand("rm-dep", "Remove a dependency between services", control.CmdRmDep),
		newListCommand(),
		newStatusCommand(),
		newTriggerCommand(),
		newSignalCommand(),
		newCatLogCommand(),
		newShutdownCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dinitctl:", err)
		os.Exit(1)
	}
}
