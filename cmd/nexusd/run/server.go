package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/nexus-streaming/nexus"
	"github.com/nexus-streaming/nexus/broker"
	"github.com/nexus-streaming/nexus/kit/prom"
	kithttp "github.com/nexus-streaming/nexus/kit/transport/http"
	"github.com/nexus-streaming/nexus/logger"
	"github.com/nexus-streaming/nexus/raft"
	"github.com/nexus-streaming/nexus/storage"
	opentracing "github.com/opentracing/opentracing-go"
	jaeger "github.com/uber/jaeger-client-go"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegerzap "github.com/uber/jaeger-client-go/log/zap"
	"go.uber.org/zap"
)

const (
	// LogTracing enables tracing via zap logs
	LogTracing = "log"
	// JaegerTracing enables tracing via the Jaeger client library
	JaegerTracing = "jaeger"

	serviceName = "nexusd"
)

// Server represents a container for the metadata and storage data and
// services. It is built using a Config and it manages the startup and
// shutdown of all services in the proper order.
type Server struct {
	config *Config

	Logger   *zap.Logger
	Registry *prom.Registry

	Broker    *broker.Broker
	Transport *raft.HTTPTransport

	listener   net.Listener
	httpServer *http.Server
	httpErr    chan error

	tracerCloser io.Closer
	wg           sync.WaitGroup
}

// NewServer returns a new instance of Server built from a config.
func NewServer(c *Config, log *zap.Logger) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := c.LoadClusterID(); err != nil {
		return nil, err
	}

	s := &Server{
		config:   c,
		Logger:   log,
		Registry: prom.NewRegistry(log.With(zap.String("service", "prom_registry"))),
		httpErr:  make(chan error, 1),
	}

	s.Transport = raft.NewHTTPTransport(c.ClusterID, c.PeerAddrs())
	s.Transport.Client = &http.Client{Transport: &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}}

	partitioner, _ := broker.NewPartitioner(c.Broker.Partitioner)

	engine := c.Raft.Config()
	engine.Transport = s.Transport
	engine.Metrics = raft.NewMetrics()

	brokerMetrics := broker.NewMetrics()
	storageMetrics := storage.NewMetrics()
	httpMetrics := kithttp.NewHTTPMetrics("nexus", "http")
	s.Registry.Add(engine.Metrics, brokerMetrics, storageMetrics, httpMetrics)

	b, err := broker.NewBroker(broker.Config{
		NodeID:                 c.NodeID,
		Partitioner:            partitioner,
		ProduceTimeout:         time.Duration(c.Broker.ProduceTimeout),
		RetentionCheckInterval: time.Duration(c.Broker.RetentionCheckInterval),
		NewPartitionLog:        s.partitionLogFunc(),
		Engine:                 engine,
		Logger:                 log.With(zap.String("service", "broker")),
		Metrics:                brokerMetrics,
		StorageMetrics:         storageMetrics,
	})
	if err != nil {
		return nil, err
	}
	s.Broker = b

	s.httpServer = &http.Server{
		Handler:           s.handler(httpMetrics),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.With(zap.String("service", "http"))),
	}
	return s, nil
}

func (s *Server) partitionLogFunc() broker.PartitionLogFunc {
	log := s.Logger.With(zap.String("service", "storage"))
	switch s.config.Storage.Engine {
	case EngineSegment:
		return broker.SegmentPartitionLog(int64(s.config.Storage.MaxSegmentSize), log)
	case EngineMemory:
		return broker.InmemPartitionLog()
	default:
		return broker.BoltPartitionLog(log)
	}
}

// handler routes consensus traffic, metrics and health checks.
func (s *Server) handler(m *kithttp.HTTPMetrics) http.Handler {
	r := chi.NewRouter()
	raftHandler := raft.NewHTTPHandler(s.Broker.Mux(), s.config.ClusterID, s.Logger.With(zap.String("service", "raft")), m)
	r.Handle("/raft/*", raftHandler)
	r.Handle("/metrics", s.Registry.HTTPHandler())
	r.Get("/health", s.serveHealth)
	return r
}

type healthResponse struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	NodeID  uint64 `json:"nodeID"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Name: serviceName, Status: "pass", NodeID: s.config.NodeID}
	code := http.StatusOK
	if err := s.Broker.Healthy(); err != nil {
		resp.Status, resp.Message = "fail", err.Error()
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.Logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// Open opens the broker, starts the HTTP listener and creates the default
// topic if configured.
func (s *Server) Open(ctx context.Context) error {
	s.initTracing()

	s.Logger.Info("Starting nexusd",
		logger.NodeID(s.config.NodeID),
		zap.String("cluster_id", s.config.ClusterID),
		zap.Int("peers", len(s.config.Peers)),
		zap.String("storage_engine", s.config.Storage.Engine),
	)

	ln, err := net.Listen("tcp", s.config.BindAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.BindAddress, err)
	}
	s.listener = ln

	if err := s.Broker.Open(ctx, filepath.Join(s.config.Dir, "data")); err != nil {
		ln.Close()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Logger.Info("Listening", zap.String("transport", "http"), zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("HTTP server failed", zap.Error(err))
			s.httpErr <- err
		}
	}()

	if s.config.DefaultTopic != nil {
		if err := s.createDefaultTopic(ctx); err != nil {
			return err
		}
	}
	return nil
}

// createDefaultTopic creates the configured topic and assigns its
// partitions over the cluster members. Every node runs the same steps so
// the assignments agree.
func (s *Server) createDefaultTopic(ctx context.Context) error {
	t := s.config.DefaultTopic.Topic()
	if err := s.Broker.CreateTopic(ctx, t); err != nil && !nexus.IsConflict(err) {
		return fmt.Errorf("create default topic: %w", err)
	}

	nodes := s.config.NodeIDs()
	for id := int32(0); id < t.Partitions; id++ {
		replicas := broker.StaticAssignment(nodes, id, t.ReplicationFactor)
		if err := s.Broker.AssignPartition(ctx, t.Name, id, replicas); err != nil {
			return fmt.Errorf("assign partition %d of default topic: %w", id, err)
		}
	}
	s.Logger.Info("Default topic ready", logger.Topic(t.Name), zap.Int32("partitions", t.Partitions))
	return nil
}

func (s *Server) initTracing() {
	switch s.config.TracingType {
	case LogTracing:
		s.Logger.Info("Tracing via zap logging")
		tracer, closer := jaeger.NewTracer(serviceName,
			jaeger.NewConstSampler(true),
			jaeger.NewLoggingReporter(jaegerzap.NewLogger(s.Logger.With(zap.String("service", "tracing")))),
		)
		opentracing.SetGlobalTracer(tracer)
		s.tracerCloser = closer

	case JaegerTracing:
		s.Logger.Info("Tracing via Jaeger")
		cfg, err := jaegerconfig.FromEnv()
		if err != nil {
			s.Logger.Error("Failed to get Jaeger client config from environment variables", zap.Error(err))
			break
		}
		if cfg.ServiceName == "" {
			cfg.ServiceName = serviceName
		}
		tracer, closer, err := cfg.NewTracer()
		if err != nil {
			s.Logger.Error("Failed to instantiate Jaeger tracer", zap.Error(err))
			break
		}
		opentracing.SetGlobalTracer(tracer)
		s.tracerCloser = closer
	}
}

// Addr returns the address of the HTTP listener once opened.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err returns a channel receiving fatal HTTP server errors.
func (s *Server) Err() <-chan error { return s.httpErr }

// Shutdown stops the HTTP server and closes the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error

	s.Logger.Info("Stopping", zap.String("service", "http"))
	if serr := s.httpServer.Shutdown(ctx); serr != nil {
		s.Logger.Warn("Failed to stop HTTP server cleanly", zap.Error(serr))
		err = serr
	}
	s.wg.Wait()

	s.Logger.Info("Stopping", zap.String("service", "broker"))
	if berr := s.Broker.Close(); berr != nil && !errors.Is(berr, broker.ErrClosed) {
		s.Logger.Error("Failed to close broker", zap.Error(berr))
		err = berr
	}

	if s.tracerCloser != nil {
		if terr := s.tracerCloser.Close(); terr != nil {
			s.Logger.Warn("Failed to close tracer", zap.Error(terr))
		}
	}
	return err
}
