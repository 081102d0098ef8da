package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/heartline/matchcore/internal/wsclient"
)

func saturateCommand() *cobra.Command {
	var (
		common      commonFlags
		connections int
		hold        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N authenticated connections and hold them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaturate(cmd, common, connections, hold)
		},
	}
	common.register(cmd)
	cmd.Flags().IntVar(&connections, "connections", 1000, "Number of connections to open")
	cmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "Hold duration after all connections are open")
	return cmd
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(strings.TrimSuffix(base, "/"), "http") + "/ws"
}

func runSaturate(cmd *cobra.Command, common commonFlags, connections int, hold time.Duration) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		connections, common.baseURL, common.rampUp, hold, common.concurrency)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := wsclient.NewCollector()
	tokens := common.tokens()
	url := wsURL(common.baseURL)

	var (
		mu      sync.Mutex
		clients []*wsclient.Client
	)
	defer func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}()

	interval := common.rampUp / time.Duration(max(connections, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, max(common.concurrency, 1))
	var wg sync.WaitGroup

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; i < connections; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			collector.Report(out)
			return nil
		case <-ticker.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			token, err := tokens.Issue(fmt.Sprintf("loadtest-sat-%d", i))
			if err != nil {
				collector.AddError()
				return
			}
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := wsclient.Dial(dialCtx, url, token)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitReady(dialCtx); err != nil {
				collector.AddError()
				_ = c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ReadyLatency)
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	fmt.Fprintf(out, "ramp-up done: %d connected, %d errors\n", collector.ConnectionCount(), collector.ErrorCount())

	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}

	dropped := 0
	mu.Lock()
	for _, c := range clients {
		select {
		case <-c.Done():
			dropped++
		default:
		}
	}
	mu.Unlock()
	fmt.Fprintf(out, "dropped during hold: %d\n", dropped)
	collector.Report(out)
	return nil
}
