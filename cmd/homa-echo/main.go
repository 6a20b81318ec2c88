// homa-echo is a small demonstration client/server built on pkg/transport:
// "serve" answers every request with an uppercased echo of its payload,
// "send" issues one request and prints the reply. It exists to exercise
// the coordinator end-to-end over a real UDP socket, not as a production
// tool.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/qizhe/homa/pkg/homadriver"
	"github.com/qizhe/homa/pkg/transport"
)

var (
	listenAddr string
	targetAddr string
	configPath string
	message    string
	timeout    time.Duration

	statusStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "homa-echo",
		Short: "Minimal Homa transport echo client/server",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config overriding timing constants")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	serve.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9631", "UDP address to listen on")
	root.AddCommand(serve)

	send := &cobra.Command{
		Use:   "send",
		Short: "Send one request and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context())
		},
	}
	send.Flags().StringVar(&targetAddr, "target", "127.0.0.1:9631", "UDP address of the echo server")
	send.Flags().StringVar(&message, "message", "hello, homa", "payload to send")
	send.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a reply")
	root.AddCommand(send)

	ctx, cancel := context.WithCancel(context.Background())
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			cancel()
		}()
		cmd.SetContext(ctx)
		return nil
	}
	return root
}

func newTransport(listen string) (*transport.Transport, homadriver.Driver, error) {
	var opts []transport.Option
	if configPath != "" {
		fc, err := loadFileConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		if fc.BaseTimeoutMicros > 0 {
			opts = append(opts, transport.WithBaseTimeout(fc.baseTimeout(0)))
		}
		if fc.Listen != "" {
			listen = fc.Listen
		}
	}

	driver, err := homadriver.NewUDPDriver(listen)
	if err != nil {
		return nil, nil, fmt.Errorf("bind %s: %w", listen, err)
	}
	id := uint64(time.Now().UnixNano())
	tp := transport.New(driver, id, opts...)
	return tp, driver, nil
}

// pollLoop runs Poll on a fixed cadence until ctx is cancelled. Applications
// that already have their own event loop would call Poll from there
// instead; this demo has none, so it gets one of its own.
func pollLoop(ctx context.Context, tp *transport.Transport, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tp.Poll()
		case <-ctx.Done():
			return
		}
	}
}

func runServe(ctx context.Context) error {
	tp, driver, err := newTransport(listenAddr)
	if err != nil {
		return err
	}
	defer tp.Close()

	fmt.Println(statusStyle.Render(fmt.Sprintf("listening on %s", driver.GetLocalAddress())))

	go pollLoop(ctx, tp, 2*time.Millisecond)

	for {
		op, err := tp.ReceiveOp(ctx)
		if err != nil {
			return nil
		}
		in := op.InMessage()
		if in == nil {
			tp.ReleaseOp(op)
			continue
		}
		request := in.Payload()
		fmt.Printf("request from %s: %q\n", in.Source(), request)

		reply := bytes.ToUpper(request)
		if err := tp.SendReply(op, reply); err != nil {
			fmt.Fprintln(os.Stderr, errorStyle.Render("reply failed:"), err)
		}
		tp.ReleaseOp(op)
	}
}

func runSend(ctx context.Context) error {
	tp, _, err := newTransport("127.0.0.1:0")
	if err != nil {
		return err
	}
	defer tp.Close()

	addr, err := resolveAddr(targetAddr)
	if err != nil {
		return err
	}

	op, err := tp.AllocOp()
	if err != nil {
		return err
	}
	if err := tp.SendRequest(op, addr, []byte(message)); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go pollLoop(ctx, tp, 2*time.Millisecond)

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		switch op.State() {
		case transport.StateCompleted:
			fmt.Println(statusStyle.Render("reply:"), string(op.InMessage().Payload()))
			tp.ReleaseOp(op)
			return nil
		case transport.StateFailed:
			tp.ReleaseOp(op)
			return fmt.Errorf("request failed or timed out")
		}
		select {
		case <-ctx.Done():
			tp.ReleaseOp(op)
			return fmt.Errorf("timed out waiting for reply")
		case <-ticker.C:
		}
	}
}

func resolveAddr(s string) (homadriver.Address, error) {
	host, port, err := splitHostPort(s)
	if err != nil {
		return homadriver.Address{}, err
	}
	u := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	if u.IP == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return homadriver.Address{}, fmt.Errorf("resolve %s: %w", host, err)
		}
		u.IP = ips[0]
	}
	return homadriver.AddressFromUDP(u), nil
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("parse address %s: %w", s, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("parse port %s: %w", portStr, err)
	}
	return strings.TrimSpace(host), port, nil
}
