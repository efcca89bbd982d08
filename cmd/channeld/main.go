// Command channeld is a minimal embedder demonstrating the Channel Core:
// it accepts connections, borrows net/http's wire parser for the
// request-line/header framing that is explicitly out of scope (§1
// Non-goals), and drives every exchange through channel.Channel.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/badu/channeld/channel"
	"github.com/badu/channeld/config"
	"github.com/badu/channeld/internal/corelog"
	"github.com/badu/channeld/internal/httpport"
	"github.com/badu/channeld/transport"
)

type options struct {
	Addr     string `short:"a" long:"addr" description:"listen address" default:":8080"`
	LogLevel string `short:"l" long:"log-level" description:"logrus level" default:"info"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(opts.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	corelog.SetLogger(logger)

	cfg, err := config.Load()
	if err != nil {
		corelog.WithError(err, "failed to load config", nil)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		corelog.WithError(err, "failed to listen", nil)
		os.Exit(1)
	}
	corelog.Info("channeld listening", corelog.Fields{"addr": opts.Addr})

	for {
		conn, err := ln.Accept()
		if err != nil {
			corelog.WithError(err, "accept failed", nil)
			continue
		}
		go serveConn(conn, cfg)
	}
}

func serveConn(conn net.Conn, cfg config.Server) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	ep := &connEndpoint{conn: conn, timeout: cfg.IdleTimeout}

	for {
		conn.SetReadDeadline(time.Now().Add(ep.timeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}

		meta := &transport.RequestMeta{
			Method:    req.Method,
			Target:    req.URL.RequestURI(),
			Proto:     req.Proto,
			Header:    map[string][]string(req.Header),
			ArrivedAt: time.Now(),
		}

		tr := &connTransport{conn: conn, w: bufio.NewWriter(conn)}
		producer := httpport.NewProducer()
		if req.Body != nil {
			buf := make([]byte, 32*1024)
			n, _ := req.Body.Read(buf)
			producer.Push(buf[:n], true)
			req.Body.Close()
		} else {
			producer.Push(nil, true)
		}

		ch := channel.New(channel.Options{
			Transport: tr,
			Endpoint:  ep,
			Executor:  inlineExecutor{},
			Scheduler: timeScheduler{},
			Server:    demoServer{},
			Config:    cfg,
		})
		ctx := context.Background()
		ch.OnRequest(ctx, meta, producer)
		ch.Run(ctx)
		ch.Recycle()

		tr.w.Flush()
		if tr.closed {
			return
		}
	}
}

// demoServer is the Server.handle/handleAsync embedder: a trivial handler
// that writes a fixed body, exercising the full commit/write/complete path
// (§8 scenario 1).
type demoServer struct{}

func (demoServer) Handle(ctx context.Context, ch any) error {
	ex := ch.(*channel.Exchange)
	ex.Resp.Status = 200
	ex.Resp.Header["Content-Type"] = []string{"text/plain; charset=utf-8"}
	ex.Write(transport.Chunk{Data: []byte("hello\n"), Last: true}, true, nil)
	return nil
}

func (demoServer) HandleAsync(ctx context.Context, ch any) error {
	return demoServer{}.Handle(ctx, ch)
}

type connEndpoint struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
}

func (e *connEndpoint) IdleTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

func (e *connEndpoint) SetIdleTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

func (e *connEndpoint) IsOpen() bool         { return true }
func (e *connEndpoint) LocalAddr() net.Addr  { return e.conn.LocalAddr() }
func (e *connEndpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

type connTransport struct {
	conn   net.Conn
	w      *bufio.Writer
	closed bool
}

func (t *connTransport) Send(req *transport.RequestMeta, meta *transport.ResponseMeta, chunk transport.Chunk, last bool, cb transport.WriteCallback) {
	if meta != nil {
		status := meta.Status
		if status == 0 {
			status = 200
		}
		fmt.Fprintf(t.w, "%s %d %s\r\n", req.Proto, status, http.StatusText(status))
		for k, vv := range meta.Header {
			for _, v := range vv {
				fmt.Fprintf(t.w, "%s: %s\r\n", k, v)
			}
		}
		fmt.Fprintf(t.w, "Content-Length: %d\r\n\r\n", len(chunk.Data))
	}
	n, err := t.w.Write(chunk.Data)
	if err != nil {
		if cb != nil {
			cb.Failed(err)
		}
		return
	}
	_ = n
	if cb != nil {
		cb.Succeeded()
	}
}

func (t *connTransport) Abort(err error) {
	t.closed = true
	t.conn.Close()
}

func (t *connTransport) OnCompleted() {}

type inlineExecutor struct{}

func (inlineExecutor) Execute(task func()) { go task() }

type timeScheduler struct{}

func (timeScheduler) Schedule(d time.Duration, task func()) func() bool {
	timer := time.AfterFunc(d, task)
	return timer.Stop
}
