package main

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"openfms/rpcproxy/internal/dubbo"
)

func pingCmd() *cobra.Command {
	var (
		addr    string
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send heartbeats to a running proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return err
			}
			defer conn.Close()

			p := dubbo.NewDubboProtocol(0)
			d := dubbo.NewCBORDeserializer()
			for i := 1; i <= count; i++ {
				rtt, err := ping(conn, p, d, int64(i), timeout)
				if err != nil {
					return fmt.Errorf("heartbeat %d: %w", i, err)
				}
				fmt.Printf("heartbeat from %s: id=%d time=%s\n", addr, i, rtt.Round(time.Microsecond))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:20880", "proxy address")
	cmd.Flags().IntVarP(&count, "count", "n", 3, "number of heartbeats")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "per heartbeat timeout")
	return cmd
}

func ping(conn net.Conn, p dubbo.Protocol, d dubbo.Deserializer, id int64, timeout time.Duration) (time.Duration, error) {
	frame, err := dubbo.HeartbeatFrame(p, d, id)
	if err != nil {
		return 0, err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.Write(frame); err != nil {
		return 0, err
	}

	header := make([]byte, dubbo.HeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, err
	}
	md := dubbo.NewMessageMetadata()
	n, err := p.DecodeHeader(header, md)
	if err != nil {
		return 0, err
	}
	if _, err := io.CopyN(io.Discard, conn, int64(n)); err != nil {
		return 0, err
	}
	if !md.IsEvent() || md.RequestID() != id || md.ResponseStatus() != dubbo.ResponseStatusOk {
		return 0, fmt.Errorf("unexpected reply: %s id=%d status=%d", md.MessageType(), md.RequestID(), md.ResponseStatus())
	}
	return time.Since(start), nil
}
