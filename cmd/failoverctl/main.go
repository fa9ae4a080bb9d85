package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexusmq/failover/pkg/failover"
)

var rootCmd = &cobra.Command{
	Use:     "failoverctl",
	Short:   "failoverctl - drive a failover transport against one or more brokers",
	Long:    `failoverctl connects a failover transport to a set of endpoint URIs and sends generic commands through it, surfacing reconnects and server-directed control as they happen.`,
	Version: "0.1.0",
}

var (
	flagConfig  string
	flagCodec   string
	flagTimeout time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send [endpoint-uri...]",
	Short: "Connect to one or more endpoints and send a single command",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

var watchCmd = &cobra.Command{
	Use:   "watch [endpoint-uri...]",
	Short: "Connect and print every inbound command, exception, and interrupt/resume event",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a failover.yaml config file")
	rootCmd.PersistentFlags().StringVar(&flagCodec, "codec", "json", "codec for wire commands: json, goccy, segmentio, msgpack")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "per-call send timeout")

	sendCmd.Flags().String("payload", "", "payload bytes to send, as a raw string")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCore(args []string) (*failover.Core, *failover.Logger, error) {
	cfg, err := failover.LoadConfig(flagConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Timeout = flagTimeout

	codecName, err := parseCodecName(flagCodec)
	if err != nil {
		return nil, nil, err
	}
	codec, err := failover.NewCodec(codecName)
	if err != nil {
		return nil, nil, fmt.Errorf("build codec: %w", err)
	}

	logger := failover.NewLogger(cfg.Logging)

	registry := failover.NewFactoryRegistry()
	registry.Register("tcp", failover.NewTCPTransportFactory(codec, logger, 5*time.Second))
	registry.Register("grpc", failover.NewGRPCTransportFactory(codec, logger))

	endpoints := make([]failover.Endpoint, 0, len(args))
	for _, raw := range args {
		e, err := failover.NewEndpoint(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("parse endpoint %q: %w", raw, err)
		}
		endpoints = append(endpoints, e)
	}

	tracker := failover.NewMemoryStateTracker()
	core := failover.NewCore(cfg, registry, tracker, logger)
	core.AddEndpoints(endpoints, false)

	return core, logger, nil
}

func parseCodecName(name string) (failover.CodecType, error) {
	switch name {
	case "json":
		return failover.CodecJSON, nil
	case "goccy":
		return failover.CodecJSONGoccy, nil
	case "segmentio":
		return failover.CodecJSONSegmentio, nil
	case "msgpack":
		return failover.CodecMessagePack, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	payload, _ := cmd.Flags().GetString("payload")

	core, logger, err := buildCore(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout*2)
	defer cancel()

	done := make(chan *failover.Command, 1)
	core.SetListener(newCLIListener(logger, func(c *failover.Command) {
		select {
		case done <- c:
		default:
		}
	}))

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer core.Close()

	msg := &failover.Command{
		CorrelationID:    failover.NextCorrelationID(),
		Kind:             failover.KindGeneric,
		ResponseRequired: true,
		Payload:          []byte(payload),
	}

	sendCtx, sendCancel := context.WithTimeout(context.Background(), flagTimeout)
	defer sendCancel()
	if err := core.Oneway(sendCtx, msg); err != nil {
		return fmt.Errorf("oneway: %w", err)
	}

	select {
	case resp := <-done:
		fmt.Printf("response: ok=%v payload=%q error=%q\n", resp.OK, string(resp.Payload), resp.ErrorMsg)
	case <-time.After(flagTimeout):
		fmt.Println("sent, no response observed before timeout")
	}

	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	core, logger, err := buildCore(args)
	if err != nil {
		return err
	}
	core.SetListener(newCLIListener(logger, func(c *failover.Command) {
		fmt.Printf("command: correlation_id=%d kind=%d\n", c.CorrelationID, c.Kind)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer core.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// cliListener adapts observed events to stdout/logger output for the
// send and watch subcommands.
type cliListener struct {
	logger *failover.Logger
	onCmd  func(*failover.Command)
}

func newCLIListener(logger *failover.Logger, onCmd func(*failover.Command)) *cliListener {
	return &cliListener{logger: logger, onCmd: onCmd}
}

func (l *cliListener) OnCommand(c *failover.Command) { l.onCmd(c) }

func (l *cliListener) OnException(err error) {
	l.logger.ErrorContext(context.Background(), "transport exception", "error", err)
}

func (l *cliListener) TransportInterrupted() {
	l.logger.WarnContext(context.Background(), "transport interrupted")
}

func (l *cliListener) TransportResumed() {
	l.logger.InfoContext(context.Background(), "transport resumed")
}
