// peerlink-echo is the responder side of the demo pair: it listens for a
// peer, registers a few sample handlers, and logs the dispatcher's event
// stream until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"peerlink/pkg/config"
	"peerlink/pkg/dispatch"
	"peerlink/pkg/observability"
	"peerlink/pkg/protocol/codec"
	"peerlink/pkg/transports"
)

type echoRequest struct {
	Message string `json:"message"`
}

type echoReply struct {
	Message    string `json:"message"`
	From       string `json:"from"`
	ReceivedAt string `json:"received_at"`
}

type counterAdd struct {
	Delta int64 `cbor:"delta"`
}

type counterValue struct {
	Value int64 `cbor:"value"`
}

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	listen := flag.String("listen", "", "override transport listen address")
	flag.Parse()

	cfg := config.MustLoad(*cfgPath)
	if *listen != "" {
		cfg.Transport.Listen = *listen
	}
	cfg.Transport.Dial = ""
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer logger.Sync()

	tr, err := transports.FromConfig(cfg.Transport)
	if err != nil {
		fatalf("transport: %v", err)
	}
	defer tr.Close()

	d := dispatch.New(tr, dispatch.Options{
		DefaultRetry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatch.DefaultMaxAttempts,
			Timeout:     cfg.Dispatch.DefaultTimeout(),
		},
		UnhealthyThreshold:  cfg.Dispatch.UnhealthyThreshold,
		UnhealthySuggestion: cfg.Dispatch.UnhealthySuggestion,
		EventBuffer:         cfg.Dispatch.EventBuffer,
	})
	defer d.Close()

	peer := cfg.PeerName
	d.Register("echo", dispatch.Typed(codec.JSON(),
		func(_ context.Context, req echoRequest) (echoReply, error) {
			return echoReply{
				Message:    req.Message,
				From:       peer,
				ReceivedAt: time.Now().Format(time.RFC3339Nano),
			}, nil
		}))
	d.Register("time.now", dispatch.Typed(codec.JSON(),
		func(context.Context, struct{}) (map[string]string, error) {
			return map[string]string{"now": time.Now().Format(time.RFC3339Nano)}, nil
		}))

	// Handlers run concurrently, one goroutine per inbound request.
	var counter atomic.Int64
	d.Register("counter.add", dispatch.Typed(codec.CBOR(),
		func(_ context.Context, req counterAdd) (counterValue, error) {
			return counterValue{Value: counter.Add(req.Delta)}, nil
		}))

	go logEvents(d.Events())

	zap.L().Info("echo responder running",
		zap.String("peer", peer),
		zap.String("listen", cfg.Transport.Listen))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	zap.L().Info("shutting down")
}

func logEvents(events <-chan observability.Event) {
	for ev := range events {
		fields := []zap.Field{zap.String("kind", string(ev.Kind))}
		if ev.RequestID != "" {
			fields = append(fields, zap.String("request_id", ev.RequestID))
		}
		if ev.Type != "" {
			fields = append(fields, zap.String("type", ev.Type))
		}
		if ev.Channel != "" {
			fields = append(fields, zap.String("channel", ev.Channel))
		}
		if ev.Err != "" {
			fields = append(fields, zap.String("error", ev.Err))
		}
		if ev.Count != 0 {
			fields = append(fields, zap.Int("count", ev.Count))
		}
		zap.L().Info("dispatch event", fields...)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
