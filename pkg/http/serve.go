package xhttp

import (
	"net"
	"os"
	"os/signal"
	"reflect"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/nimasrn/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

const (
	StatusOK                  = fasthttp.StatusOK
	StatusCreated             = fasthttp.StatusCreated
	StatusAccepted            = fasthttp.StatusAccepted
	StatusBadRequest          = fasthttp.StatusBadRequest
	StatusPaymentRequired     = fasthttp.StatusPaymentRequired
	StatusNotFound            = fasthttp.StatusNotFound
	StatusRequestTimeout      = fasthttp.StatusRequestTimeout
	StatusConflict            = fasthttp.StatusConflict
	StatusInternalServerError = fasthttp.StatusInternalServerError
	StatusBadGateway          = fasthttp.StatusBadGateway
	StatusServiceUnavailable  = fasthttp.StatusServiceUnavailable
)

var StatusText = fasthttp.StatusMessage

var DefaultServerOption = ServerOption{
	Handler: func(ctx *RequestCtx) {
		ctx.Error(StatusText(StatusNotFound), StatusNotFound)
	},
	IdleTimeout:           time.Second * 10,
	MaxIdleWorkerDuration: time.Minute * 1,
	TCPKeepalivePeriod:    time.Minute * 120, // linux default
	MaxRequestBodySize:    1 * 1024 * 1024,
	ReadBufferSize:        1024 * 4, // also, max header size
	WriteBufferSize:       1024 * 4,
	ReadTimeout:           time.Millisecond * 2500,
	WriteTimeout:          time.Millisecond * 2500,
	Concurrency:           10_000,
	MaxConnsPerIP:         1_000,
	ErrorHandler: func(ctx *RequestCtx, err error) {
		logger.Warn("[xhttp] request error", "error", err, "ip", ctx.RemoteIP().String())
	},
	TCPKeepalive:                  true,
	DisablePreParseMultipartForm:  true,
	LogAllErrors:                  true,
	NoDefaultServerHeader:         true,
	NoDefaultDate:                 true,
	NoDefaultContentType:          true,
	CloseOnShutdown:               true,
	DisableHeaderNamesNormalizing: false,
}

type RequestHeader = fasthttp.RequestHeader
type ResponseHeader = fasthttp.ResponseHeader
type Server = fasthttp.Server

type ServerOption struct {
	Handler RequestHandler

	// idle keep-alive connections are closed after this, otherwise open files pile up
	IdleTimeout time.Duration

	MaxIdleWorkerDuration time.Duration
	TCPKeepalivePeriod    time.Duration

	// donation payloads are tiny; anything larger is rejected before routing
	MaxRequestBodySize int

	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	Concurrency   int
	MaxConnsPerIP int

	ErrorHandler                  func(ctx *RequestCtx, err error)
	Name                          string
	TCPKeepalive                  bool
	DisablePreParseMultipartForm  bool
	LogAllErrors                  bool
	DisableHeaderNamesNormalizing bool
	NoDefaultServerHeader         bool
	NoDefaultDate                 bool
	NoDefaultContentType          bool
	CloseOnShutdown               bool
	ConnState                     func(net.Conn, fasthttp.ConnState)
	Logger                        logger.Logger
}

type Engine struct {
	*Router
	*Server
	option ServerOption
	middle []MiddlewareFunc
}

func newServer(options ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                       options.Handler,
		ErrorHandler:                  options.ErrorHandler,
		Name:                          options.Name,
		Concurrency:                   options.Concurrency,
		ReadBufferSize:                options.ReadBufferSize,
		WriteBufferSize:               options.WriteBufferSize,
		ReadTimeout:                   options.ReadTimeout,
		WriteTimeout:                  options.WriteTimeout,
		IdleTimeout:                   options.IdleTimeout,
		MaxConnsPerIP:                 options.MaxConnsPerIP,
		MaxIdleWorkerDuration:         options.MaxIdleWorkerDuration,
		TCPKeepalivePeriod:            options.TCPKeepalivePeriod,
		MaxRequestBodySize:            options.MaxRequestBodySize,
		TCPKeepalive:                  options.TCPKeepalive,
		DisablePreParseMultipartForm:  options.DisablePreParseMultipartForm,
		LogAllErrors:                  options.LogAllErrors,
		DisableHeaderNamesNormalizing: options.DisableHeaderNamesNormalizing,
		NoDefaultServerHeader:         options.NoDefaultServerHeader,
		NoDefaultDate:                 options.NoDefaultDate,
		NoDefaultContentType:          options.NoDefaultContentType,
		CloseOnShutdown:               options.CloseOnShutdown,
		ConnState:                     options.ConnState,
		Logger:                        options.Logger,
	}
}

func NewServer(options ServerOption) *Engine {
	if options.Logger == nil {
		options.Logger = logger.GetLogger()
	}
	return &Engine{
		Server: newServer(options),
		Router: NewRouter(),
		option: options,
	}
}

func CreateServer() *Engine {
	s := NewServer(DefaultServerOption)
	s.Router = CreateDefaultRouter()
	return s
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	e.Server.Logger.Printf("[xhttp] server is listening on %s", addr)
	return e.Server.ListenAndServe(addr)
}

// Serve runs the engine on an existing listener, e.g. an in-memory one in tests.
func (e *Engine) Serve(ln net.Listener) error {
	e.DoRouting()
	return e.Server.Serve(ln)
}

// DoRouting installs the router as the server handler and wraps it with the
// registered middleware, first registered outermost.
func (e *Engine) DoRouting() {
	for method, route := range e.Router.List() {
		for _, r := range route {
			e.Server.Logger.Printf("[xhttp] method: %s, path: %s", method, r)
		}
	}
	e.Server.Handler = e.Router.Handler

	chain := slices.Clone(e.middle)
	slices.Reverse(chain)
	for i, m := range chain {
		e.Server.Handler = m(e.Server.Handler)
		e.Server.Logger.Printf("[xhttp] middleware %d registered - %s", i+1, runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
}

// CloseOnSignal shuts the server down on SIGINT/SIGTERM/SIGQUIT.
func (e *Engine) CloseOnSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		e.Shutdown()
	}()
}

// Use adds middleware to the end of the chain.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Shutdown gracefully shuts down the server without interrupting any active connections.
func (e *Engine) Shutdown() {
	e.Server.Logger.Printf("[xhttp] server is shutting down, process id: %d", os.Getpid())
	if err := e.Server.Shutdown(); err != nil {
		e.Server.Logger.Printf("[xhttp] error while shutting down: %v", err)
	}
}
