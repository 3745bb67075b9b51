// internal/listener/tcp.go
package listener

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"raw-uart-service/internal/config"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

// PreamblePrefix starts the optional first line setting a priority.
const PreamblePrefix = "PRIORITY "

const maxPreambleLen = 32

var errClientGone = errors.New("client closed connection")

// Server exposes every registry slot on its own TCP port. One accepted
// socket is one client connection of the device in that slot.
type Server struct {
	config   *config.ListenerConfig
	registry *uart.Registry
	logger   *zap.Logger
	logErr   rate.Sometimes

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// NewServer creates a TCP server for registry
func NewServer(cfg *config.ListenerConfig, registry *uart.Registry, logger *zap.Logger) *Server {
	return &Server{
		config:   cfg,
		registry: registry,
		logger:   logger.With(zap.String("component", "tcp-listener")),
		logErr:   rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Listen binds base_port+slot for every slot. A base port of 0 binds
// ephemeral ports.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for slot := 0; slot < s.registry.Capacity(); slot++ {
		port := 0
		if s.config.BasePort > 0 {
			port = s.config.BasePort + slot
		}
		addr := net.JoinHostPort(s.config.Host, strconv.Itoa(port))

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range s.listeners {
				l.Close()
			}
			s.listeners = nil
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
		s.logger.Info("Listening", zap.Int("slot", slot), zap.String("addr", ln.Addr().String()))
	}
	return nil
}

// Addr returns the bound address of slot, or nil before Listen.
func (s *Server) Addr(slot int) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= len(s.listeners) {
		return nil
	}
	return s.listeners[slot].Addr()
}

// Serve accepts clients until ctx is done, then closes every session
// and waits for them.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("listener not bound")
	}

	for slot, ln := range listeners {
		s.wg.Add(1)
		go s.acceptLoop(ctx, slot, ln)
	}

	<-ctx.Done()
	for _, ln := range listeners {
		ln.Close()
	}
	s.wg.Wait()
	s.logger.Info("TCP listener stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, slot int, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logErr.Do(func() { s.logger.Warn("Accept failed", zap.Int("slot", slot), zap.Error(err)) })
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, slot, conn)
		}()
	}
}

func (s *Server) handle(ctx context.Context, slot int, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	device, ok := s.registry.Get(slot)
	if !ok {
		s.logger.Debug("No device in slot, closing client", zap.Int("slot", slot), zap.String("remote", remote))
		return
	}

	reader := bufio.NewReaderSize(conn, device.MaxMessageSize())

	var priority uint32
	if s.config.PriorityPreamble {
		conn.SetReadDeadline(time.Now().Add(s.config.PreambleTimeout))
		p, err := ReadPreamble(reader)
		conn.SetReadDeadline(time.Time{})
		if err != nil {
			s.logger.Warn("Invalid priority preamble", zap.String("remote", remote), zap.Error(err))
			return
		}
		priority = p
	}

	c, err := device.Open(ctx, "tcp "+remote)
	if err != nil {
		s.logger.Warn("Client rejected",
			zap.String("device", device.Name()),
			zap.String("remote", remote),
			zap.Error(err),
		)
		return
	}
	defer c.Close()
	c.SetPriority(priority)

	session := utils.NewSessionLogger(s.logger, "tcp", c.ID().String(), remote)
	session.Opened(zap.String("device", device.Name()), zap.Uint32("priority", priority))

	rx, tx, err := pump(ctx, conn, reader, c, device.MaxMessageSize())
	session.Closed(rx, tx, err)
}

// ReadPreamble consumes a leading "PRIORITY <n>\n" line. Without the
// prefix nothing is consumed and the priority is 0; a read timeout before
// the prefix is complete is treated the same way.
func ReadPreamble(r *bufio.Reader) (uint32, error) {
	b, err := r.Peek(len(PreamblePrefix))
	if !bytes.Equal(b, []byte(PreamblePrefix)) {
		var ne net.Error
		if err == nil || errors.As(err, &ne) && ne.Timeout() || errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	var line []byte
	for len(line) <= maxPreambleLen {
		c, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("read preamble: %w", err)
		}
		if c == '\n' {
			break
		}
		line = append(line, c)
	}
	if len(line) > maxPreambleLen {
		return 0, errors.New("preamble too long")
	}

	value := strings.TrimSpace(strings.TrimPrefix(string(line), PreamblePrefix))
	p, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid priority %q", value)
	}
	return uint32(p), nil
}

// pump copies between a client stream and a device connection until
// either side ends. It returns the bytes received from and sent to the
// client. Writes are chunked to at most maxWrite bytes.
func pump(ctx context.Context, conn io.ReadWriteCloser, in io.Reader, c *uart.Connection, maxWrite int) (rx, tx int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})

	g.Go(func() error {
		buf := make([]byte, maxWrite)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				sent, werr := c.Write(gctx, buf[:n])
				rx += int64(sent)
				if werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				return errClientGone
			}
			if err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, 512)
		for {
			n, err := c.Read(gctx, buf, false)
			if err != nil {
				return err
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return err
			}
			tx += int64(n)
		}
	})

	err = g.Wait()
	if errors.Is(err, errClientGone) || ctx.Err() != nil {
		err = nil
	}
	return rx, tx, err
}
