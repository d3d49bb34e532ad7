package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/horizon/dm-app/internal/protocol"
	"github.com/horizon/dm-app/loadtest/client"
	"github.com/horizon/dm-app/loadtest/stats"
)

// runDeliver measures end-to-end delivery. Each pair has a receiver holding a
// live channel and a sender posting messages to it through the REST API.
// Latency is taken from just before the POST to the moment the new_message
// push is read by the receiver. Sender and receiver ids must exist in the
// server's directory (see the users command).
func runDeliver(args []string) {
	fs := flag.NewFlagSet("deliver", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8080", "DM server base URL")
	secret := fs.String("secret", "", "JWT secret of the server (DM_JWT_SECRET)")
	firstID := fs.Int("first-id", 1, "User id of the first simulated user")
	pairs := fs.Int("pairs", 100, "Number of sender/receiver pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long senders keep sending")
	msgInterval := fs.Duration("msg-interval", time.Second, "Interval between messages per sender")
	msgSize := fs.Int("msg-size", 128, "Size of each message body in characters")
	grace := fs.Duration("grace", 3*time.Second, "How long to wait for outstanding pushes")
	metricsURL := fs.String("metrics-url", "", "Prometheus endpoint to scrape (default <url>/metrics)")
	fs.Parse(args)

	tokens := newTokenSource(*secret)
	if *metricsURL == "" {
		*metricsURL = *baseURL + "/metrics"
	}

	fmt.Printf("Deliver test: %d pairs against %s (duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, *baseURL, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	api := client.NewAPI(*baseURL)

	// Bodies are unique, so the receiver can match a push to its send time
	// even when the push arrives before the POST returns.
	var inflight sync.Map // body -> time.Time

	// -----------------------------------------------------------------------
	// Phase 1: connect receivers
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect receivers ---")

	receivers := make([]*client.Client, 0, *pairs)
	for i := 0; i < *pairs; i++ {
		id := userID(*firstID, *pairs+i)

		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		c, err := client.New(connCtx, liveURL(*baseURL, tokens.token(id)))
		if err == nil {
			c.On(protocol.TypeNewMessage, func(raw json.RawMessage) {
				var push protocol.NewMessageMsg
				if err := json.Unmarshal(raw, &push); err != nil {
					return
				}
				if sentAt, ok := inflight.LoadAndDelete(push.Message.Body); ok {
					collector.AddDelivered(time.Since(sentAt.(time.Time)))
				}
			})
			err = c.WaitConnected(connCtx)
		}
		cancel()

		if err != nil {
			collector.AddError()
			if c != nil {
				c.Close()
			}
			continue
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		receivers = append(receivers, c)
	}
	fmt.Printf("Connected %d/%d receivers (%d errors)\n", len(receivers), *pairs, collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Phase 2: send
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Send ---")

	sendCtx, sendCancel := context.WithTimeout(ctx, *duration)
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender, receiver := userID(*firstID, i), userID(*firstID, *pairs+i)
			token := tokens.token(sender)

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			for seq := 0; ; seq++ {
				select {
				case <-sendCtx.Done():
					return
				case <-ticker.C:
				}

				body := messageBody(sender, seq, *msgSize)
				inflight.Store(body, time.Now())

				err := api.SendMessage(sendCtx, token, receiver, body)
				var status *client.StatusError
				switch {
				case err == nil:
					collector.AddSent()
				case errors.As(err, &status):
					inflight.Delete(body)
					collector.AddRejected()
				case sendCtx.Err() != nil:
					inflight.Delete(body)
					return
				default:
					inflight.Delete(body)
					collector.AddError()
				}
			}
		}(i)
	}

	progress := time.NewTicker(5 * time.Second)
progressLoop:
	for {
		select {
		case <-sendCtx.Done():
			break progressLoop
		case <-progress.C:
			fmt.Printf("  [send] delivered: %d  errors: %d\n", collector.Delivered(), collector.ErrorCount())
		}
	}
	progress.Stop()
	wg.Wait()
	sendCancel()

	// -----------------------------------------------------------------------
	// Phase 3: drain
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 3: Waiting %s for outstanding pushes ---\n", *grace)
	select {
	case <-ctx.Done():
	case <-time.After(*grace):
	}

	for _, c := range receivers {
		c.Close()
	}
	scraper.Stop()
	collector.Report()
}

// messageBody builds a unique body of roughly size characters.
func messageBody(sender string, seq, size int) string {
	prefix := fmt.Sprintf("lt:%s:%d:", sender, seq)
	if pad := size - len(prefix); pad > 0 {
		return prefix + strings.Repeat("x", pad)
	}
	return prefix
}
