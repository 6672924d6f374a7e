// peerlink-ping is the caller side of the demo pair: it dials a responder and
// issues requests with a chosen delivery strategy, printing replies and
// dispatcher events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"peerlink/pkg/config"
	"peerlink/pkg/dispatch"
	"peerlink/pkg/protocol/codec"
	"peerlink/pkg/transport"
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

func main() {
	cfgPath := flag.String("config", "", "path to config file (optional)")
	dial := flag.String("dial", "127.0.0.1:7843", "responder address")
	message := flag.String("message", "hello peer", "echo message to send")
	count := flag.Int("count", 1, "number of requests")
	interval := flag.Duration("interval", time.Second, "delay between requests")
	strategy := flag.String("strategy", "reliable", "delivery strategy: immediate|reliable|ordered|latest")
	interactive := flag.Bool("interactive", false, "fail fast when the peer is unreachable")
	notify := flag.Bool("notify", false, "send fire-and-forget notifications instead of requests")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	cfg := config.MustLoad(*cfgPath)
	cfg.Transport.Listen = ""
	cfg.Transport.Dial = *dial
	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()

	tr, err := transports.FromConfig(cfg.Transport)
	if err != nil {
		fatalf("transport: %v", err)
	}
	defer tr.Close()

	d := dispatch.New(tr, dispatch.Options{
		UnhealthyThreshold:  cfg.Dispatch.UnhealthyThreshold,
		UnhealthySuggestion: cfg.Dispatch.UnhealthySuggestion,
	})
	defer d.Close()

	opts := dispatch.SendOptions{
		Strategy: strategyByName(*strategy),
		Retry: dispatch.RetryPolicy{
			MaxAttempts: cfg.Dispatch.DefaultMaxAttempts,
			Timeout:     *timeout,
		},
	}
	if *interactive {
		opts.Mode = dispatch.ModeInteractive
	}

	// Give the background dial a moment before the first attempt.
	waitReachable(tr, 5*time.Second)

	for i := 0; i < *count; i++ {
		if i > 0 {
			time.Sleep(*interval)
		}
		body := fmt.Sprintf("%s #%d", *message, i+1)
		if *notify {
			payload, err := codec.JSON().Marshal(echoRequest{Message: body})
			if err != nil {
				fatalf("marshal: %v", err)
			}
			d.Notify(context.Background(), "echo", payload, opts)
			fmt.Printf("notified: %s\n", body)
			continue
		}
		start := time.Now()
		reply, err := dispatch.Call[echoRequest, echoReply](
			context.Background(), d, codec.JSON(), "echo", echoRequest{Message: body}, opts)
		if err != nil {
			st, hint := d.Health()
			fmt.Printf("request failed: %v (session %s", err, st)
			if hint != "" {
				fmt.Printf("; %s", hint)
			}
			fmt.Println(")")
			continue
		}
		fmt.Printf("reply from %s in %v: %s (received %s)\n",
			reply.From, time.Since(start).Round(time.Millisecond), reply.Message, reply.ReceivedAt)
	}

	if *notify {
		// Let the fire-and-forget sends drain before tearing down.
		time.Sleep(time.Second)
	}
}

func strategyByName(name string) dispatch.Strategy {
	switch name {
	case "immediate":
		return dispatch.StrategyImmediate
	case "reliable":
		return dispatch.StrategyReliable
	case "ordered":
		return dispatch.StrategyOrdered
	case "latest":
		return dispatch.StrategyLatestValue
	default:
		fatalf("unknown strategy %q", name)
		return dispatch.Strategy{}
	}
}

func waitReachable(tr transport.Transport, max time.Duration) {
	deadline := time.Now().Add(max)
	for time.Now().Before(deadline) {
		if tr.Reachable() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
