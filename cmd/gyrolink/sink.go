package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gyrolink/pkg/logger"
)

func newSinkCmd(stdout io.Writer, stderr io.Writer) *cobra.Command {
	var (
		addr     string
		ackEvery int
		level    string
	)
	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Accept a stream and print what arrives",
		Long: "sink listens for gyrolink streams, prints every chunk it reads and\n" +
			"optionally answers with \"ack\" so the sender's receive path can be exercised.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := logger.DefaultOptions()
			opts.Level = level
			opts.Console = stderr
			log, err := logger.New(opts)
			if err != nil {
				return fail(2, err)
			}
			defer func() { _ = log.Sync() }()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fail(1, err)
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("sink listening", zap.String("addr", ln.Addr().String()))
			if err := serveSink(ctx, ln, ackEvery, stdout, log); err != nil {
				return fail(1, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "listen address")
	cmd.Flags().IntVar(&ackEvery, "ack-every", 0, "reply \"ack\" after every N chunks (0 never)")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}

// serveSink accepts connections on ln until ctx ends. ln is closed on
// return.
func serveSink(ctx context.Context, ln net.Listener, ackEvery int, out io.Writer, log *zap.Logger) error {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
	}()

	var outMu sync.Mutex
	printf := func(format string, args ...any) {
		outMu.Lock()
		fmt.Fprintf(out, format, args...)
		outMu.Unlock()
	}

	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		if ctx.Err() != nil {
			_ = conn.Close()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				_ = conn.Close()
			}()

			peer := conn.RemoteAddr().String()
			log.Info("stream accepted", zap.String("peer", peer))
			buf := make([]byte, 10240)
			chunks := 0
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					chunks++
					printf("%s %s\n", peer, buf[:n])
					if ackEvery > 0 && chunks%ackEvery == 0 {
						if _, werr := conn.Write([]byte("ack\n")); werr != nil {
							log.Debug("ack failed", zap.Error(werr))
						}
					}
				}
				if err != nil {
					log.Info("stream closed", zap.String("peer", peer), zap.Int("chunks", chunks))
					return
				}
			}
		}()
	}
}
