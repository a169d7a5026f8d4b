package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"rmcast/config"
	"rmcast/engine"
	"rmcast/log"
	"rmcast/metrics"
	"rmcast/transport"
	"rmcast/transport/grpcnet"
	"rmcast/transport/tcp"
)

type cliFlags struct {
	configPath         string
	host               string
	transport          string
	ackMode            string
	retransmitInterval time.Duration
	retransmitTimeout  time.Duration
	metricsAddr        string
	logLevel           string
	connectAttempts    int
	settle             time.Duration
}

func bindFlags(fs *pflag.FlagSet, f *cliFlags) {
	d := config.Default()
	fs.StringVar(&f.configPath, "config", "", "YAML file with the process configuration and peer map")
	fs.StringVar(&f.host, "host", config.DefaultHost, "host the peer ports are on")
	fs.StringVar(&f.transport, "transport", d.Transport, "transport to use: tcp or grpc")
	fs.StringVar(&f.ackMode, "ack-mode", string(d.AckMode), "acknowledgment routing: directed or broadcast")
	fs.DurationVar(&f.retransmitInterval, "retransmit-interval", d.RetransmitInterval, "how often pending messages are checked")
	fs.DurationVar(&f.retransmitTimeout, "retransmit-timeout", d.RetransmitTimeout, "how long a message waits for acknowledgments before it is resent")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")
	fs.StringVar(&f.logLevel, "log-level", d.LogLevel, "log level")
	fs.IntVar(&f.connectAttempts, "connect-attempts", d.ConnectAttempts, "attempts of the initial connect to each peer")
	fs.DurationVar(&f.settle, "settle", d.Settle, "how long to wait for connections before reading commands")
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "rmcast <processID> <listenPort> [peerPort ...]",
		Short: "run a process of a reliable multicast group",
		Long: `
Run one process of the group. Peers are reached at <host>:<peerPort>, or at the
addresses of the --config file. Commands are read from standard input.
`,
		Args: func(cmd *cobra.Command, args []string) error {
			if f.configPath == "" && len(args) < 2 {
				return errors.New("requires <processID> and <listenPort>")
			}
			return nil
		},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd.Flags(), f, args)
			if err != nil {
				return err
			}
			if err := log.Init(cfg.LogLevel, os.Stderr); err != nil {
				return err
			}
			return runProcess(cmd.Context(), cfg, in, out)
		},
	}
	bindFlags(cmd.Flags(), f)
	cmd.AddCommand(newDemoCmd(out))
	return cmd
}

// Merge the config file, the arguments and the flags that were set, in that order
func buildConfig(fs *pflag.FlagSet, f *cliFlags, args []string) (config.Config, error) {
	var cfg config.Config
	var err error
	if f.configPath != "" {
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
		if len(args) >= 2 {
			fromArgs, err := config.FromArgs(args, f.host)
			if err != nil {
				return cfg, err
			}
			cfg.ProcessID = fromArgs.ProcessID
			cfg.ListenAddr = fromArgs.ListenAddr
			if len(fromArgs.Peers) > 0 {
				cfg.Peers = fromArgs.Peers
			}
		}
	} else if cfg, err = config.FromArgs(args, f.host); err != nil {
		return cfg, err
	}

	if fs.Changed("transport") {
		cfg.Transport = f.transport
	}
	if fs.Changed("ack-mode") {
		cfg.AckMode = engine.AckMode(f.ackMode)
	}
	if fs.Changed("retransmit-interval") {
		cfg.RetransmitInterval = f.retransmitInterval
	}
	if fs.Changed("retransmit-timeout") {
		cfg.RetransmitTimeout = f.retransmitTimeout
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("connect-attempts") {
		cfg.ConnectAttempts = f.connectAttempts
	}
	if fs.Changed("settle") {
		cfg.Settle = f.settle
	}
	return cfg, cfg.Validate()
}

type readier interface {
	Ready() <-chan struct{}
}

// Bind the listen address of the configured transport
func listen(ctx context.Context, cfg config.Config) (transport.Transport, error) {
	if cfg.Transport == config.TransportGRPC {
		t, err := grpcnet.Listen(ctx, cfg.ListenAddr, grpcnet.Config{
			ID:           cfg.ProcessID,
			Peers:        cfg.TransportPeers(),
			Dial:         cfg.DialPolicy(),
			OutboxSize:   cfg.OutboxSize,
			MaxFrameSize: cfg.MaxFrameSize,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	t, err := tcp.Listen(ctx, cfg.ListenAddr, tcp.Config{
		ID:           cfg.ProcessID,
		Peers:        cfg.TransportPeers(),
		Dial:         cfg.DialPolicy(),
		OutboxSize:   cfg.OutboxSize,
		MaxFrameSize: cfg.MaxFrameSize,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func runProcess(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(log.WithProcess(ctx, cfg.ProcessID))
	defer cancel()

	t, err := listen(ctx, cfg)
	if err != nil {
		return err
	}
	e, err := engine.New(cfg.Engine(), t)
	if err != nil {
		_ = t.Close()
		return err
	}
	defer e.Close()

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := reg.Register(metrics.NewCollector(cfg.ProcessID, e.Stats)); err != nil {
			return errors.Wrap(err, "register metrics")
		}
		if _, err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
			return err
		}
	}

	w := &syncWriter{w: out}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(gctx) })
	g.Go(func() error {
		for d := range e.Deliveries() {
			fmt.Fprintf(w, "\ndelivered %v from %v [lamport %d]: %s\n", d.Message.ID, d.Message.Sender, d.LocalTime, d.Message.Content)
		}
		return nil
	})

	if r, ok := t.(readier); ok && cfg.Settle > 0 {
		select {
		case <-r.Ready():
		case <-time.After(cfg.Settle):
			log.Warningf(ctx, "not every peer connected within %v", cfg.Settle)
		case <-ctx.Done():
		}
	}

	replErr := (&repl{e: e, in: in, out: w}).run(ctx)
	cancel()
	closeErr := e.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, engine.ErrClosed) {
		replErr = errors.CombineErrors(replErr, err)
	}
	return errors.CombineErrors(replErr, closeErr)
}
