package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stepherg/storefrontgw/internal/auth"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/ws"
	"github.com/stepherg/storefrontgw/pkg/live"
)

func (a *app) newWatchCommand() *cobra.Command {
	var baseURL, guest string
	cmd := &cobra.Command{
		Use:   "watch [topic...]",
		Short: "Follow invalidation events and refetch what they affect",
		Long: `Watch joins the given topics (products and categories by default) on a
running storefront, loads the query each topic backs and refetches it
whenever the topic's event arrives.`,
		Example: `  storefrontgw watch
  storefrontgw watch products --url https://shop.example
  storefrontgw watch cart:0f8c... --guest 5b1e...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.watch(cmd.Context(), cmd.OutOrStdout(), baseURL, guest, args)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "storefront origin (default public_url)")
	cmd.Flags().StringVar(&guest, "guest", "", "guest cart id sent as the guestCartId cookie")
	return cmd
}

// queryFor is the API path a topic's event invalidates.
func queryFor(topic string) string {
	switch {
	case topic == events.TopicProducts:
		return "/api/products"
	case topic == events.TopicCategories:
		return "/api/categories"
	case strings.HasPrefix(topic, events.CartTopic("")):
		return "/api/cart"
	}
	return "/api/" + topic
}

func (a *app) watch(ctx context.Context, out io.Writer, baseURL, guest string, topics []string) error {
	if baseURL == "" {
		baseURL = a.cfg.PublicURL
	}
	if len(topics) == 0 {
		topics = []string{events.TopicProducts, events.TopicCategories}
	}
	ep, err := live.ResolveEndpoint(string(a.cfg.Env), baseURL, baseURL)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	if guest != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("parse %q: %w", baseURL, err)
		}
		jar, _ := cookiejar.New(nil)
		jar.SetCookies(u, []*http.Cookie{{Name: auth.GuestCookie, Value: guest, Path: "/"}})
		httpClient.Jar = jar
	}

	cache := live.NewCache(live.JSONFetcher(httpClient, baseURL))
	client, err := live.NewClient(ep, cache, live.ClientOptions{Logger: a.log})
	if err != nil {
		return err
	}
	defer client.Close()

	p := &printer{out: out}
	defer cache.OnChange(p.change)()
	sock := client.Socket()
	sock.On(live.EventConnect, func(string) { p.status(color.GreenString("connected")) })
	sock.On(live.EventDisconnect, func(string) { p.status(color.YellowString("connection lost, retrying")) })
	sock.On(live.EventConnectError, func(msg string) { p.status(color.RedString("connect error: ") + msg) })
	sock.On(live.EventReconnectFailed, func(string) { p.status(color.RedString(client.Status())) })
	sock.On(ws.EventJoined, func(topic string) { p.status("joined " + color.CyanString(topic)) })

	for _, topic := range topics {
		q := queryFor(topic)
		if _, err := client.Subscribe(ctx, q, topic, live.SubscribeOptions{}); err != nil {
			a.log.Warn().Err(err).Str("topic", topic).Str("query", q).Msg("initial load failed")
		}
	}

	<-ctx.Done()
	return nil
}

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", color.HiBlackString(time.Now().Format("15:04:05")), s)
}

func (p *printer) status(s string) { p.line(s) }

func (p *printer) change(key string, e live.Entry) {
	switch {
	case e.Stale:
		p.line(color.YellowString("stale ") + key)
	case e.Err != nil:
		p.line(color.RedString("error ") + key + ": " + e.Err.Error())
	default:
		size := 0
		if raw, ok := e.Data.(json.RawMessage); ok {
			size = len(raw)
		}
		p.line(color.GreenString("fresh ") + key + color.HiBlackString(fmt.Sprintf(" (%d bytes)", size)))
	}
}
