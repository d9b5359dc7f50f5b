package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stepherg/storefrontgw/internal/events"
	wrp "github.com/xmidt-org/wrp-go/v3"
)

const (
	// EmitPath is the internal ingestion route the HTTP notifier posts to.
	EmitPath = "/api/emit"

	destPrefix    = "event:"
	broadcastDest = "*"

	// DefaultSource identifies this service in WRP messages.
	DefaultSource = "dns:storefront/catalog"

	// SecretHeader carries the shared emit secret when one is configured.
	SecretHeader = "X-Notify-Secret"
)

var (
	// ErrBadStatus indicates a non-2xx response from the ingestion endpoint.
	ErrBadStatus = errors.New("emit endpoint returned non-2xx status")
	// ErrBadDestination means a WRP destination is not an event locator.
	ErrBadDestination = errors.New("destination is not an event locator")
)

// ToMessage encodes s as a WRP simple event. The destination carries the
// addressing: event:<topic>/<event>, or event:*/<event> for broadcasts.
func ToMessage(s events.Signal, source string) *wrp.Message {
	topic := s.Topic
	if s.All {
		topic = broadcastDest
	}
	payload, _ := json.Marshal(s)
	return &wrp.Message{
		Type:            wrp.SimpleEventMessageType,
		Source:          source,
		Destination:     destPrefix + topic + "/" + s.Event,
		TransactionUUID: uuid.NewString(),
		ContentType:     "application/json",
		Payload:         payload,
	}
}

// FromMessage recovers the signal from a WRP message's destination.
func FromMessage(m *wrp.Message) (events.Signal, error) {
	dest := strings.TrimSpace(m.Destination)
	if !strings.HasPrefix(dest, destPrefix) {
		return events.Signal{}, fmt.Errorf("%w: %q", ErrBadDestination, m.Destination)
	}
	rest := strings.TrimPrefix(dest, destPrefix)
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return events.Signal{}, fmt.Errorf("%w: %q", ErrBadDestination, m.Destination)
	}
	topic, event := rest[:i], rest[i+1:]
	if topic == broadcastDest {
		return events.BroadcastSignal(event), nil
	}
	return events.Signal{Topic: topic, Event: event}, nil
}

// HTTP posts msgpack-encoded WRP events to another process's emit endpoint.
type HTTP struct {
	Client        *http.Client
	BaseURL       string
	Authorization string // optional; bare credentials are sent as Basic
	Secret        string
	Source        string
}

func (h *HTTP) Notify(ctx context.Context, s events.Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	source := h.Source
	if source == "" {
		source = DefaultSource
	}
	buf := &bytes.Buffer{}
	if err := wrp.NewEncoder(buf, wrp.Msgpack).Encode(ToMessage(s, source)); err != nil {
		return fmt.Errorf("encode wrp: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(h.BaseURL, "/")+EmitPath, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	if h.Authorization != "" {
		req.Header.Set("Authorization", normalizeAuth(h.Authorization))
	}
	if h.Secret != "" {
		req.Header.Set(SecretHeader, h.Secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrBridgeNotReady
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return wrapStatus(resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func normalizeAuth(auth string) string {
	auth = strings.TrimSpace(auth)
	lower := strings.ToLower(auth)
	// If it already starts with a known auth scheme, pass through.
	if strings.HasPrefix(lower, "basic ") || strings.HasPrefix(lower, "bearer ") || strings.HasPrefix(lower, "digest ") {
		return auth
	}
	return "Basic " + auth
}
