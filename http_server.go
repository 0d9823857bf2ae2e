package liveplot

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	subscriberBufferSize = 10000
	shutdownTimeout      = 5 * time.Second
)

type HttpServer struct {
	registry    *Registry
	broadcaster *SurfaceBroadcaster
	addr        string
	mux         *http.ServeMux
	logger      logrus.FieldLogger
}

// NewHttpServer serves the broadcaster's frames on /ws2, the registry's
// handles on /handles and, when gatherer is not nil, metrics on /metrics.
func NewHttpServer(registry *Registry, broadcaster *SurfaceBroadcaster, gatherer prometheus.Gatherer, addr string) *HttpServer {
	s := &HttpServer{
		registry:    registry,
		broadcaster: broadcaster,
		addr:        addr,
		mux:         http.NewServeMux(),
		logger:      logrus.WithField("tag", "HttpServer"),
	}

	s.mux.HandleFunc("/ws2", s.handleWebSocket)
	s.mux.HandleFunc("/handles", s.handleHandles)
	if gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

func (s *HttpServer) Handler() http.Handler {
	return s.mux
}

func (s *HttpServer) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	c, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to accept new websocket connection")
		return
	}

	ctx := req.Context()
	ctx = c.CloseRead(ctx) // We only ever write on this connection.

	snapshot, subscription, err := s.broadcaster.Subscribe(ctx, subscriberBufferSize)
	if err != nil {
		s.logger.WithError(err).Error("failed to snapshot plot state")
		c.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	defer s.broadcaster.Unsubscribe(context.WithoutCancel(ctx), subscription)

	for _, frame := range snapshot {
		if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
			s.logger.WithError(err).Warn("websocket write failed and closed")
			return
		}
	}

	for {
		select {
		case frame := <-subscription.Frames():
			if err := c.Write(ctx, websocket.MessageBinary, frame); err != nil {
				// At this point the websocket closed, so we don't even need to send anything
				s.logger.WithError(err).Warn("websocket write failed and closed")
				return
			}
		case <-ctx.Done():
			s.logger.Info("client closed connection or context canceled")
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (s *HttpServer) handleHandles(w http.ResponseWriter, req *http.Request) {
	handles := s.registry.Handles()
	infos := make([]HandleInfo, 0, len(handles))
	for _, handle := range handles {
		infos = append(infos, NewHandleInfo(handle))
	}

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		s.logger.WithError(err).Warn("failed to encode handle list")
	}
}

// Run serves until ctx is cancelled, then shuts the server down gracefully.
// onListen, when not nil, is called with the bound address once the listener
// is open.
func (s *HttpServer) Run(ctx context.Context, onListen func(addr string)) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	server := &http.Server{Handler: s.mux}
	addr := listener.Addr().String()
	s.logger.Infof("starting HTTP server at http://%s", addr)
	if onListen != nil {
		onListen(addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
