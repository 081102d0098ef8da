package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/heartline/matchcore/internal/auth"
	"github.com/heartline/matchcore/internal/protocol"
	"github.com/heartline/matchcore/internal/wsclient"
)

func chatCommand() *cobra.Command {
	var (
		common      commonFlags
		pairs       int
		duration    time.Duration
		msgInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Match user pairs and exchange messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, common, pairs, duration, msgInterval)
		},
	}
	common.register(cmd)
	cmd.Flags().IntVar(&pairs, "pairs", 100, "Number of user pairs")
	cmd.Flags().DurationVar(&duration, "chat-duration", 30*time.Second, "How long each pair chats")
	cmd.Flags().DurationVar(&msgInterval, "msg-interval", 2*time.Second, "Interval between messages per user")
	return cmd
}

type apiClient struct {
	base   string
	tokens *auth.TokenIssuer
	http   *http.Client
}

func (a *apiClient) like(ctx context.Context, actor, target string) (string, error) {
	token, err := a.tokens.Issue(actor)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{"targetId": target, "kind": "like"})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/v1/interactions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("like %s -> %s: status %d", actor, target, resp.StatusCode)
	}
	var out struct {
		MatchID string `json:"matchId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.MatchID, nil
}

func runChat(cmd *cobra.Command, common commonFlags, pairs int, duration, msgInterval time.Duration) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Chat test: %d pairs to %s (chat=%s, interval=%s)\n", pairs, common.baseURL, duration, msgInterval)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := wsclient.NewCollector()
	tokens := common.tokens()
	api := &apiClient{base: common.baseURL, tokens: tokens, http: &http.Client{Timeout: 10 * time.Second}}
	url := wsURL(common.baseURL)

	// Send time per message body, looked up when message.new arrives.
	var sent sync.Map

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(common.concurrency, 1))
	for i := 0; i < pairs; i++ {
		a, b := fmt.Sprintf("loadtest-%d-a", i), fmt.Sprintf("loadtest-%d-b", i)
		g.Go(func() error {
			if err := runPair(gctx, api, url, a, b, duration, msgInterval, collector, &sent); err != nil {
				collector.AddError()
				fmt.Fprintf(out, "  pair %s/%s: %v\n", a, b, err)
			}
			return nil
		})
	}
	err := g.Wait()
	collector.Report(out)
	return err
}

func runPair(ctx context.Context, api *apiClient, url, a, b string, duration, interval time.Duration, collector *wsclient.Collector, sent *sync.Map) error {
	if _, err := api.like(ctx, a, b); err != nil {
		return err
	}
	matchID, err := api.like(ctx, b, a)
	if err != nil {
		return err
	}
	if matchID == "" {
		return fmt.Errorf("no match formed")
	}

	var users []*wsclient.Client
	defer func() {
		for _, c := range users {
			_ = c.Close()
		}
	}()
	for _, user := range []string{a, b} {
		token, err := api.tokens.Issue(user)
		if err != nil {
			return err
		}
		c, err := wsclient.Dial(ctx, url, token)
		if err != nil {
			return err
		}
		users = append(users, c)
		if err := c.WaitReady(ctx); err != nil {
			return err
		}
		collector.AddConnect(c.GetMetrics().ReadyLatency)

		c.On(protocol.TypeMessageNew, func(raw json.RawMessage) {
			var m protocol.MessageNewMsg
			if err := json.Unmarshal(raw, &m); err != nil || m.SenderID == user {
				return
			}
			if at, ok := sent.LoadAndDelete(m.Body); ok {
				collector.AddMsgLatency(time.Since(at.(time.Time)))
			}
		})
		c.On(protocol.TypeError, func(json.RawMessage) { collector.AddError() })
		c.On(protocol.TypeRateLimited, func(json.RawMessage) { collector.AddError() })
		if _, err := c.Send(protocol.TypeJoin, map[string]any{"matchId": matchID}); err != nil {
			return err
		}
	}

	deadline := time.After(duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case <-ticker.C:
		}
		for i, c := range users {
			body := fmt.Sprintf("load test message %d from %s", n, []string{a, b}[i])
			sent.Store(body, time.Now())
			if _, err := c.Send(protocol.TypeSend, map[string]any{"matchId": matchID, "body": body}); err != nil {
				return err
			}
		}
	}
}
