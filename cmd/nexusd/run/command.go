package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nexus-streaming/nexus/kit/cli"
	"github.com/nexus-streaming/nexus/logger"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultShutdownTimeout bounds the graceful shutdown of the server.
const DefaultShutdownTimeout = 30 * time.Second

// Options represents the command line options that can be parsed.
type Options struct {
	ConfigPath  string
	PIDFile     string
	LogLevel    string
	BindAddress string
	NodeID      uint64
	DataDir     string
	TracingType string
}

// Command represents the command executed by "nexusd".
type Command struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string

	Logger *zap.Logger
	Server *Server

	// ShutdownTimeout bounds Shutdown once the run context is done.
	ShutdownTimeout time.Duration

	// opened is closed once the server is listening.
	opened chan struct{}
}

// NewCommand return a new instance of Command.
func NewCommand() *Command {
	return &Command{
		Stdout:          os.Stdout,
		Stderr:          os.Stderr,
		Getenv:          os.Getenv,
		Logger:          zap.NewNop(),
		ShutdownTimeout: DefaultShutdownTimeout,
		opened:          make(chan struct{}),
	}
}

// Opened is closed once the server has started.
func (cmd *Command) Opened() <-chan struct{} { return cmd.opened }

// Run parses the arguments, starts the server and blocks until ctx is done
// or the server fails.
func (cmd *Command) Run(ctx context.Context, args ...string) error {
	var opts Options
	prog := &cli.Program{
		Name: "nexusd",
		Run:  func() error { return cmd.run(ctx, opts) },
		Opts: []cli.Opt{
			{DestP: &opts.ConfigPath, Flag: "config", Desc: "path to the TOML configuration file"},
			{DestP: &opts.PIDFile, Flag: "pidfile", Desc: "write process ID to a file"},
			{DestP: &opts.LogLevel, Flag: "log-level", Desc: "log level (debug, info, warn, error); overrides the config"},
			{DestP: &opts.BindAddress, Flag: "bind-address", Desc: "address of the HTTP listener; overrides the config"},
			{DestP: &opts.NodeID, Flag: "node-id", Desc: "id of this node; overrides the config"},
			{DestP: &opts.DataDir, Flag: "data-dir", Desc: "root of the data directory; overrides the config"},
			{
				DestP: &opts.TracingType,
				Flag:  "tracing-type",
				Desc:  fmt.Sprintf("supported tracing types are %s, %s", LogTracing, JaegerTracing),
			},
		},
	}

	c, err := cli.NewCommand(viper.New(), prog)
	if err != nil {
		return err
	}
	c.SetArgs(args)
	c.SetOut(cmd.Stdout)
	c.SetErr(cmd.Stderr)
	return c.Execute()
}

// ParseConfig loads the config at path, or the demo config when path is
// empty, then applies environment and flag overrides.
func (cmd *Command) ParseConfig(opts Options) (*Config, error) {
	var config *Config
	if opts.ConfigPath == "" {
		c, err := NewDemoConfig()
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = NewConfig()
		if err := config.FromTomlFile(opts.ConfigPath); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", opts.ConfigPath, err)
		}
	}

	if err := config.ApplyEnvOverrides(cmd.Getenv); err != nil {
		return nil, fmt.Errorf("apply env overrides: %v", err)
	}

	if opts.LogLevel != "" {
		var lvl zapcore.Level
		if err := lvl.Set(opts.LogLevel); err != nil {
			return nil, fmt.Errorf("unknown log level; supported levels are debug, info, warn and error")
		}
		config.Logging.Level = lvl
	}
	if opts.BindAddress != "" {
		config.BindAddress = opts.BindAddress
	}
	if opts.NodeID != 0 {
		config.NodeID = opts.NodeID
	}
	if opts.DataDir != "" {
		config.Dir = opts.DataDir
	}
	if opts.TracingType != "" {
		config.TracingType = opts.TracingType
	}
	return config, nil
}

func (cmd *Command) run(ctx context.Context, opts Options) error {
	config, err := cmd.ParseConfig(opts)
	if err != nil {
		return err
	}

	log, err := logger.New(cmd.Stdout, config.Logging)
	if err != nil {
		return err
	}
	cmd.Logger = log
	defer func() { _ = log.Sync() }()

	if err := cmd.writePIDFile(opts.PIDFile); err != nil {
		return fmt.Errorf("write pid file: %s", err)
	}
	defer cmd.removePIDFile(opts.PIDFile)

	s, err := NewServer(config, log)
	if err != nil {
		return fmt.Errorf("create server: %s", err)
	}
	cmd.Server = s

	if err := s.Open(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		return fmt.Errorf("open server: %s", err)
	}
	close(cmd.opened)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Signal received, initializing clean shutdown...")
	case runErr = <-s.Err():
	}

	sctx, cancel := context.WithTimeout(context.Background(), cmd.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil && runErr == nil {
		runErr = err
	}
	log.Info("Shutdown complete")
	return runErr
}

// removePIDFile removes the PID file, if any.
func (cmd *Command) removePIDFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		cmd.Logger.Error("Unable to remove pidfile", zap.Error(err))
	}
}

func (cmd *Command) writePIDFile(path string) error {
	// Ignore if path is not set.
	if path == "" {
		return nil
	}

	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return fmt.Errorf("mkdir: %s", err)
	}

	// Retrieve the PID and write it.
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid), 0666); err != nil {
		return fmt.Errorf("write file: %s", err)
	}
	return nil
}
