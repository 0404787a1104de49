package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/amqprouter"
	"github.com/glimte/amqprouter/config"
	"github.com/glimte/amqprouter/contracts"
	"github.com/glimte/amqprouter/messaging"
	"github.com/glimte/amqprouter/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "amqprouter",
		Short: "Route and handle RabbitMQ messages by topic pattern",
		Long: `amqprouter consumes RabbitMQ queues, dispatches each delivery to the handlers
whose topic patterns match its routing key, and parks failed deliveries for a
bounded number of delayed retries.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	logger := func(cmd *cobra.Command) *slog.Logger {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	}

	rootCmd.AddCommand(
		newMatchCmd(),
		newValidateCmd(),
		newConsumeCmd(logger),
		newPublishCmd(logger),
	)
	return rootCmd
}

func newMatchCmd() *cobra.Command {
	var patterns []string

	cmd := &cobra.Command{
		Use:   "match [routing-keys...]",
		Short: "Show which patterns match routing keys",
		Example: `  amqprouter match -p '#' -p '*.*.*' final.report.create
  amqprouter match -p 'file.#' file.update.author.credentials`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trie, err := routing.Build(patterns)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, key := range args {
				matches := trie.MatchKey(key)
				if len(matches) == 0 {
					fmt.Fprintf(out, "%s: no match\n", key)
					continue
				}
				fmt.Fprintf(out, "%s: %s\n", key, strings.Join(matches, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&patterns, "pattern", "p", nil, "Topic pattern (repeatable)")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintf(out, "connection: %s\n", config.RedactURL(cfg.Connection.URL))
	for _, ex := range cfg.Exchanges {
		fmt.Fprintf(out, "exchange %s (%s, %s)", ex.Name, ex.Type, ex.Role)
		if ex.RequeueFailedMessages {
			fmt.Fprintf(out, " requeue %dx every %s via %s", ex.RequeueAttempts, ex.RequeueTimeout(), ex.DeadLetterExchange)
		}
		fmt.Fprintln(out)
		for _, q := range ex.Queues {
			fmt.Fprintf(out, "  queue %s [%s]\n", q.Name, strings.Join(q.RoutingKeys, ", "))
		}
	}
}

func newConsumeCmd(logger func(*cobra.Command) *slog.Logger) *cobra.Command {
	var (
		configPath     string
		patterns       []string
		healthInterval time.Duration
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the configured queues and print matching deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger(cmd)
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			printer := &deliveryPrinter{out: cmd.OutOrStdout()}
			builder := messaging.NewRegistryBuilder(messaging.WithRegistryLogger(log))
			if err := builder.Register(messaging.Bind(printer, patterns...)); err != nil {
				return err
			}
			registry, err := builder.Build()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			options := []amqprouter.ClientOption{amqprouter.WithLogger(log)}
			if metricsAddr != "" {
				options = append(options, amqprouter.WithMetricsRegisterer(prometheus.DefaultRegisterer))
				server := serveMetrics(metricsAddr, log)
				defer server.Close()
			}

			client, err := amqprouter.NewClient(cfg, registry, options...)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			if err := client.StartConsuming(ctx); err != nil {
				return fmt.Errorf("failed to start consuming: %w", err)
			}
			log.Info("consuming, press Ctrl+C to stop", "queues", client.ConsumedQueues())

			var ticks <-chan time.Time
			if healthInterval > 0 {
				ticker := time.NewTicker(healthInterval)
				defer ticker.Stop()
				ticks = ticker.C
			}
			for {
				select {
				case <-ctx.Done():
					log.Info("stopping")
					return nil
				case <-ticks:
					report := client.Health(ctx)
					log.Info("health", "status", report.Status, "checks", len(report.Checks))
				}
			}
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "amqprouter.yaml", "Configuration file")
	cmd.Flags().StringArrayVarP(&patterns, "pattern", "p", []string{routing.MultiWildcard}, "Topic pattern to print (repeatable)")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 0, "Log a health report at this interval")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", addr)
	return server
}

// deliveryPrinter writes one JSON line per delivery
type deliveryPrinter struct {
	out io.Writer
}

func (p *deliveryPrinter) Handle(_ context.Context, msg *contracts.MessageContext) error {
	line, err := json.Marshal(map[string]any{
		"exchange":   msg.Exchange,
		"routingKey": msg.RoutingKey,
		"headers":    msg.Headers,
		"body":       string(msg.Body),
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.out, string(line))
	return err
}

func newPublishCmd(logger func(*cobra.Command) *slog.Logger) *cobra.Command {
	var (
		configPath  string
		exchange    string
		routingKey  string
		headers     map[string]string
		contentType string
		delay       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish [body]",
		Short: "Publish a message to a production exchange",
		Long:  "Publish a message. The body is read from standard input when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			var body []byte
			if len(args) == 1 {
				body = []byte(args[0])
			} else if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			opts := []messaging.SendOption{messaging.WithContentType(contentType)}
			for k, v := range headers {
				opts = append(opts, messaging.WithHeader(k, v))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, err := amqprouter.NewClient(cfg, nil, amqprouter.WithLogger(logger(cmd)))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}

			producer := client.Producer()
			if delay > 0 {
				err = producer.SendDelayed(ctx, exchange, routingKey, body, delay, opts...)
			} else {
				err = producer.Send(ctx, exchange, routingKey, body, opts...)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s (%s)\n", len(body), exchange, routingKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "amqprouter.yaml", "Configuration file")
	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Target exchange")
	cmd.Flags().StringVarP(&routingKey, "key", "k", "", "Routing key")
	cmd.Flags().StringToStringVarP(&headers, "header", "H", nil, "Message header key=value (repeatable)")
	cmd.Flags().StringVar(&contentType, "content-type", "application/octet-stream", "Content type")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Deliver after this delay through the dead letter exchange")
	_ = cmd.MarkFlagRequired("exchange")
	return cmd
}
