/*
Copyright 2026 The ConnBroker authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command connbroker-client dials a running broker, negotiates one
// RDMA connection, and offers an interactive prompt for driving its
// data path (spec section 6): "send <text>" posts a SEND work
// request, "write <text>" posts an RDMA write into the server's
// registered buffer, and "quit" closes the connection.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rdmaforge/connbroker/internal/config"
	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/psn"
	"github.com/rdmaforge/connbroker/internal/rdma/conn"
	"github.com/rdmaforge/connbroker/internal/rdma/dataplane"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "connbroker-client <host:port> <server-name>",
		Short: "Connect to a connbroker server and drive its RDMA data path interactively",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(v, args[0], args[1])
		},
	}
	if err := config.BindClientFlags(v, cmd.Flags()); err != nil {
		cobra.CheckErr(err)
	}
	return cmd
}

func runClient(v *viper.Viper, addr, serverName string) error {
	cfg := config.LoadClientConfig(v)

	zlog, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zlog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zlog)

	dev, err := device.Open(verbs.RealProvider{}, cfg.DeviceIndex)
	if err != nil {
		return fmt.Errorf("opening RDMA device: %w", err)
	}
	defer dev.Close()

	host, port, err := splitHostPort(addr)
	if err != nil {
		return err
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true} //nolint:gosec
	ctx := context.Background()
	sess, err := control.Dial(ctx, host, port, serverName, tlsCfg)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer sess.Close()

	c, err := conn.Build(ctx, dev, sess, conn.RoleClient, psn.CSPRNGGenerator{})
	if err != nil {
		return fmt.Errorf("building connection: %w", err)
	}
	defer c.Close()

	log.Info("connection established", "remote", sess.RemoteAddr())

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := dataplane.New(c)
	go func() {
		_ = w.Run(workerCtx, func(payload []byte) {
			fmt.Printf("< %s\n", payload)
		})
	}()

	return repl(w)
}

// repl runs the send/write/quit prompt described in spec section 6
// until stdin closes or the user types quit.
func repl(w *dataplane.Worker) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: send <text> | write <text> | quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "quit":
			return nil
		case "send":
			if err := w.Send([]byte(arg)); err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", err)
			}
		case "write":
			if err := w.WriteRemote([]byte(arg)); err != nil {
				fmt.Fprintln(os.Stderr, "write failed:", err)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q; expected send, write, or quit\n", cmd)
		}
	}
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return "", 0, fmt.Errorf("address %q must be host:port", addr)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("address %q has an invalid port: %w", addr, err)
	}
	return host, port, nil
}
