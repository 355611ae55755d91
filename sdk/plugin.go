package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ocm.software/open-component-model/multiregistry/backend/binary/transport"
)

// DefaultIdleTimeout is used when the host does not configure an idle timeout.
const DefaultIdleTimeout = time.Hour

// Handler binds an endpoint to a handler function.
type Handler struct {
	Location string
	Handler  http.HandlerFunc
}

// Server contains the configuration of a single plugin process and further details for
// life-cycle management. These include the server that's running the plugin, the handlers which
// serve functionality, and tracking idle time.
// Idle time tracks server work. If the server is not doing anything and not processing current
// requests and not getting new requests it will shut down automatically after a configured
// amount of time. If a new request comes in it will reset this timer.
type Server struct {
	Config transport.Config

	handlers      []Handler
	server        *http.Server
	interrupt     chan bool
	workerCounter atomic.Int64
	location      string
	output        io.Writer
	shutdownOnce  sync.Once
	shutdownErr   error
	ready         chan struct{}
	stopped       chan struct{}
}

// NewServer creates a new plugin server. After creation, call RegisterHandlers to register
// the handlers responsible for this plugin's inner workings. The output receives the location
// line the host waits for.
func NewServer(conf transport.Config, output io.Writer) *Server {
	return &Server{
		Config:    conf,
		interrupt: make(chan bool, 1), // to not block any new work coming in
		output:    output,
		ready:     make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (p *Server) startIdleChecker(ctx context.Context) {
	interval := DefaultIdleTimeout
	if p.Config.IdleTimeout != nil && *p.Config.IdleTimeout > 0 {
		interval = *p.Config.IdleTimeout
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if p.workerCounter.Load() > 0 {
				// still busy, check again later
				timer.Reset(interval)
				continue
			}
			slog.InfoContext(ctx, "idle check timer expired for plugin", "id", p.Config.ID)
			_ = p.GracefulShutdown(context.WithoutCancel(ctx))
			return
		case <-p.interrupt:
			// any activity restarts the idle period
			timer.Stop()
			timer.Reset(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Server) StartWork() {
	p.workerCounter.Add(1)
	p.notify()
}

func (p *Server) StopWork() {
	p.workerCounter.Add(-1)
	p.notify()
}

func (p *Server) notify() {
	select {
	case p.interrupt <- true:
	default:
		// a pending notification already restarts the idle period
	}
}

// Start listens and serves until the server is shut down by the host, by a signal or because
// it was idle for too long.
func (p *Server) Start(ctx context.Context) error {
	// Handle graceful shutdown on SIGINT/SIGTERM
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case sig := <-sigs:
			slog.InfoContext(ctx, "Received signal. Shutting down.", "signal", sig)
		case <-ctx.Done():
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.GracefulShutdown(ctx); err != nil {
			slog.ErrorContext(ctx, "Error shutting down plugin", "error", err)
		}
	}()

	err := p.listen(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		<-p.stopped
		return p.shutdownErr
	}
	return err
}

func (p *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.WriteHeader(http.StatusMethodNotAllowed)
}

// listen starts listening for connections from the host.
func (p *Server) listen(ctx context.Context) error {
	loc, err := p.determineLocation()
	if err != nil {
		return fmt.Errorf("could not determine location: %w", err)
	}

	var lc net.ListenConfig
	conn, err := lc.Listen(ctx, string(p.Config.Type), loc)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", loc, err)
	}
	p.location = conn.Addr().String()

	m := http.NewServeMux()
	for _, h := range p.handlers {
		m.HandleFunc(h.Location, h.Handler)
	}

	m.HandleFunc(transport.ShutdownPath, p.Shutdown(ctx))
	m.HandleFunc(transport.HealthzPath, p.Healthz)

	p.server = &http.Server{
		Handler:           m,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(listener net.Listener) context.Context {
			return ctx
		},
	}
	close(p.ready)

	// start idle checker.
	go p.startIdleChecker(ctx)

	// output the location before starting the server
	if _, err := fmt.Fprintf(p.output, transport.OutputFormat, p.Config.Type, p.location); err != nil {
		return errors.Join(fmt.Errorf("failed to write location to output writer: %w", err), conn.Close())
	}

	return p.server.Serve(conn)
}

func (p *Server) determineLocation() (string, error) {
	switch p.Config.Type {
	case transport.Socket:
		loc := p.Config.Location
		if loc == "" {
			loc = filepath.Join(os.TempDir(), p.Config.ID+"-plugin.sock")
		}
		if _, err := os.Stat(loc); err == nil {
			return "", fmt.Errorf("plugin location already exists: %s", loc)
		}

		return loc, nil
	case transport.TCP:
		// the listener picks a free port, the actual address is reported after listening
		return "127.0.0.1:0", nil
	}

	return "", fmt.Errorf("unknown plugin connection type: %s", p.Config.Type)
}

// GracefulShutdown will stop the server and do cleanup if necessary.
// In case of sockets it will remove the created socket. It is safe to call it more than once,
// later calls wait for the first one to finish.
func (p *Server) GracefulShutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		defer close(p.stopped)

		select {
		case <-p.ready:
		default:
			// never started listening, nothing to stop
			return
		}

		slog.InfoContext(ctx, "Gracefully shutting down plugin", "id", p.Config.ID)
		// We ignore server closed errors because server closing might race with the listener.
		if err := p.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.shutdownErr = fmt.Errorf("failed to shutdown server: %w", err)
			return
		}

		if p.Config.Type == transport.Socket {
			if err := os.Remove(p.location); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.shutdownErr = err
			}
		}
	})

	<-p.stopped
	return p.shutdownErr
}

// RegisterHandlers adds handlers to the server. Each of them counts as work for the idle checker.
func (p *Server) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if h.Handler == nil {
			return fmt.Errorf("handler for %s is required", h.Location)
		}

		h.Handler = p.workerHandler(h.Handler)
		p.handlers = append(p.handlers, h)
	}

	return nil
}

// workerHandler will create a working handler. It will signal the plugin that it started to
// work on something and set the plugin to working. This is important, because the plugin is
// constantly checking that if it's idle and hasn't heard from the host in a set time
// it will exit. As soon as it gets a signal that it is doing something its internal check
// will be restarted once it's no longer doing anything.
func (p *Server) workerHandler(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p.StartWork()
		defer p.StopWork()

		h(w, r)
	}
}

func (p *Server) Shutdown(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.InfoContext(ctx, "Shutting down plugin", "id", p.Config.ID)
		w.WriteHeader(http.StatusOK)
		// shutting down waits for active requests, this one included
		go func() {
			if err := p.GracefulShutdown(context.WithoutCancel(ctx)); err != nil {
				slog.ErrorContext(ctx, "Error shutting down plugin", "error", err)
			}
		}()
	}
}
