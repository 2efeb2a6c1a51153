// Command rebus-inspect wires a complete in-process bus — transport,
// serializer, saga store, timeout manager, worker pool — and pushes a
// handful of messages through it, printing one line per handled message.
// It exists to exercise the library end-to-end, not as a production
// entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/andviro/rebus/pkg/rebus"
)

type ping struct {
	Seq int `json:"seq"`
}

func main() {
	var (
		count   = flag.Int("count", 3, "number of ping messages to send")
		workers = flag.Int("workers", 2, "number of worker goroutines")
		verbose = flag.Bool("verbose", false, "log at debug level")
	)
	flag.Parse()

	if err := run(*count, *workers, *verbose); err != nil {
		log.Fatal(err)
	}
}

func run(count, workers int, verbose bool) error {
	level := rebus.LogLevelInfo
	if verbose {
		level = rebus.LogLevelDebug
	}
	logger := rebus.NewStdLogger(level)

	types := rebus.NewTypeRegistry()
	types.Register("Ping", func() interface{} { return &ping{} })
	serializer := rebus.NewJSONSerializer(types)

	cfg := rebus.NewConfig(
		rebus.WithNumberOfWorkers(workers),
		rebus.WithLogger(logger),
		rebus.WithLeaseDuration(30*time.Second),
	)

	net := rebus.NewNetwork("rebus-inspect")
	transport := rebus.NewMemTransportFromConfig(net, "inspect", cfg)

	router := rebus.NewTypeMapRouter(nil).Map("Ping", "inspect")
	sagaStore := rebus.NewInMemorySagaStore()
	timeouts := rebus.NewInMemoryTimeoutStore()

	handlers := rebus.NewHandlerRegistry()
	done := make(chan int, count)
	handlers.Register("Ping", func() rebus.Handler {
		return rebus.HandlerFunc(func(sc *rebus.StepContext, msg *rebus.LogicalMessage) error {
			p := msg.Body.(*ping)
			fmt.Printf("handled Ping seq=%d\n", p.Seq)
			done <- p.Seq
			return nil
		})
	})

	bus := rebus.NewBus(cfg, transport, serializer, router, nil, sagaStore, timeouts, handlers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	defer bus.Stop()

	for i := 0; i < count; i++ {
		if err := bus.Send(ctx, "Ping", &ping{Seq: i}, nil); err != nil {
			return fmt.Errorf("send ping %d: %w", i, err)
		}
	}

	for i := 0; i < count; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for ping %d/%d to be handled", i+1, count)
		}
	}

	fmt.Fprintf(os.Stderr, "handled %d message(s)\n", count)
	return nil
}
