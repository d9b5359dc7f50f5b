package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/logging"
	"github.com/stepherg/storefrontgw/internal/notify"
	"github.com/stepherg/storefrontgw/internal/relay"
)

type emitOptions struct {
	url      string
	event    string
	all      bool
	useRelay bool
}

func (a *app) newEmitCommand() *cobra.Command {
	var o emitOptions
	cmd := &cobra.Command{
		Use:   "emit [topic]",
		Short: "Publish an invalidation signal by hand",
		Long: `Emit sends one signal to a running storefront's /api/emit route, or
through the configured relay with --relay. The event defaults to the
topic's own event name.`,
		Example: `  storefrontgw emit products
  storefrontgw emit cart:0f8c... --url http://localhost:3000
  storefrontgw emit --all --event catalog_reset
  storefrontgw emit categories --relay`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := ""
			if len(args) == 1 {
				topic = args[0]
			}
			return a.emit(cmd.Context(), cmd.OutOrStdout(), topic, o)
		},
	}
	cmd.Flags().StringVar(&o.url, "url", "", "storefront origin (default notify.url, then public_url)")
	cmd.Flags().StringVar(&o.event, "event", "", "event name (default derived from the topic)")
	cmd.Flags().BoolVar(&o.all, "all", false, "address every connection")
	cmd.Flags().BoolVar(&o.useRelay, "relay", false, "publish through the configured relay")
	return cmd
}

func emitSignal(topic string, o emitOptions) (events.Signal, error) {
	var sig events.Signal
	switch {
	case o.all:
		sig = events.BroadcastSignal(o.event)
	case topic != "":
		sig = events.TopicSignal(topic)
		if o.event != "" {
			sig.Event = o.event
		}
	default:
		return events.Signal{}, errors.New("a topic or --all is required")
	}
	return sig, sig.Validate()
}

func (a *app) emit(ctx context.Context, out io.Writer, topic string, o emitOptions) error {
	sig, err := emitSignal(topic, o)
	if err != nil {
		return err
	}

	var n notify.Notifier
	if o.useRelay {
		rl, err := relay.Open(a.cfg.Relay, "cli-"+uuid.NewString(), logging.Component(a.log, "relay"))
		if err != nil {
			return err
		}
		if rl == nil {
			return errors.New("no relay configured")
		}
		defer rl.Close()
		n = notify.Func(rl.Publish)
	} else {
		base := o.url
		if base == "" {
			base = a.cfg.Notify.URL
		}
		if base == "" {
			base = a.cfg.PublicURL
		}
		n = &notify.HTTP{BaseURL: base, Authorization: a.cfg.Notify.Auth, Secret: a.cfg.Notify.Secret, Source: "dns:storefront/cli"}
	}

	if err := n.Notify(ctx, sig); err != nil {
		return fmt.Errorf("emit %s: %w", sig, err)
	}
	fmt.Fprintf(out, "sent %s\n", sig)
	return nil
}
