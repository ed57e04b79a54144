// Command rudpcat is a reference application built on top of the core
// transport: listen/dial subcommands that bridge stdin/stdout to a
// connection, newline-framing the same way the original chat application
// framed messages on top of this protocol.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arjunvarma/rudp/pkg/rudp"
)

// hostPortValue is a pflag.Value that rejects an --addr flag unless it
// parses as host:port at flag-set time, instead of failing later once a
// subcommand is already mid-handshake.
type hostPortValue struct{ raw *string }

func (v hostPortValue) String() string { return *v.raw }
func (v hostPortValue) Type() string   { return "host:port" }
func (v hostPortValue) Set(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return err
	}
	*v.raw = s
	return nil
}

var _ pflag.Value = hostPortValue{}

var (
	addrFlag       string
	configFlag     string
	verboseFlag    bool
	acceptTimeout  time.Duration
	dialTimeoutArg time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rudpcat",
		Short: "Bridge stdin/stdout to a reliable connection over unreliable UDP",
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "path to a YAML config overriding MTU/window/RTO")
	root.PersistentFlags().BoolVar(&verboseFlag, "verbose", false, "enable debug logging")

	root.AddCommand(newListenCmd())
	root.AddCommand(newDialCmd())
	return root
}

func newListenCmd() *cobra.Command {
	// listen keeps its own --addr value: newDialCmd runs after this and
	// resets the shared addrFlag to the dial default.
	listenAddr := ":9000"
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept one connection and bridge it to stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			addrFlag = listenAddr
			return runListen(cmd, args)
		},
	}
	cmd.Flags().VarP(hostPortValue{&listenAddr}, "addr", "a", "address to listen on, host:port")
	cmd.Flags().DurationVar(&acceptTimeout, "accept-timeout", 30*time.Second, "how long to wait for a connection")
	return cmd
}

func newDialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to a listener and bridge it to stdin/stdout",
		RunE:  runDial,
	}
	addrFlag = "127.0.0.1:9000"
	cmd.Flags().VarP(hostPortValue{&addrFlag}, "addr", "a", "address to dial, host:port")
	cmd.Flags().DurationVar(&dialTimeoutArg, "dial-timeout", 5*time.Second, "handshake deadline")
	return cmd
}

func loadConfig() (rudp.Config, error) {
	if configFlag == "" {
		return rudp.DefaultConfig(), nil
	}
	return rudp.LoadConfig(configFlag)
}

func newLogger() *logrus.Entry {
	l := logrus.New()
	if verboseFlag {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return logrus.NewEntry(l)
}

func runListen(cmd *cobra.Command, args []string) error {
	host, port, err := splitHostPort(addrFlag)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ln, err := rudp.Listen(host, port)
	if err != nil {
		return err
	}
	defer ln.Close()
	ln.WithLogger(newLogger()).WithConfig(cfg)

	fmt.Fprintf(os.Stderr, "rudpcat: listening on %s\n", ln.Addr())
	conn, peer, err := ln.Accept(acceptTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "rudpcat: accepted connection from %s\n", peer)

	return bridge(conn)
}

func runDial(cmd *cobra.Command, args []string) error {
	host, port, err := splitHostPort(addrFlag)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeoutArg)
	defer cancel()

	conn, err := rudp.DialContext(ctx, host, port, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.WithLogger(newLogger())

	fmt.Fprintf(os.Stderr, "rudpcat: connected to %s:%d\n", host, port)
	return bridge(conn)
}

// bridge newline-frames stdin to the connection and the connection's
// bytes to stdout, exactly like the original chat transport's usage of
// this protocol (framing is an application concern, not the core's).
func bridge(conn *rudp.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append(scanner.Bytes(), '\n')
			if err := conn.Send(line); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- scanner.Err()
	}()

	go func() {
		for {
			b, err := conn.Receive(500 * time.Millisecond)
			if err != nil {
				errCh <- err
				return
			}
			if len(b) == 0 {
				if !conn.Connected() {
					errCh <- nil
					return
				}
				continue
			}
			if _, err := os.Stdout.Write(b); err != nil {
				errCh <- err
				return
			}
		}
	}()

	return <-errCh
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
