package webhook

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/stepherg/storefrontgw/internal/events"
	"github.com/stepherg/storefrontgw/internal/notify"
	wrp "github.com/xmidt-org/wrp-go/v3"
)

var errEmptySignal = errors.New("no topic or event in request")

// IncomingSignal is the JSON form accepted by the generic emit endpoint.
type IncomingSignal struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	All   bool   `json:"all"`
}

type result struct {
	Success   bool   `json:"success"`
	Delivered int    `json:"delivered,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Ingest receives notifications from processes that do not own the bridge
// and publishes them on the local bus.
type Ingest struct {
	Source notify.BusSource
	Secret string
	Logger zerolog.Logger
	// Observe, when set, sees every accepted signal, bridge or not.
	Observe func(events.Signal)
}

// Topic returns a handler that always publishes topic's event. An optional
// body is ignored.
func (in *Ingest) Topic(topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !in.admit(w, r) {
			return
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64*1024))
		in.publish(w, r, events.TopicSignal(topic))
	}
}

// Emit returns a handler for arbitrary signals, given as JSON, WRP msgpack,
// or X-Event-Topic / X-Event-Name headers.
func (in *Ingest) Emit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !in.admit(w, r) {
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 512*1024))
		if err != nil {
			writeResult(w, http.StatusBadRequest, result{Error: "read error"})
			return
		}
		_ = r.Body.Close()

		sig, err := decodeSignal(r, body)
		if err != nil {
			in.Logger.Debug().Err(err).Str("path", r.URL.Path).Int("payload_bytes", len(body)).
				Str("payload_preview", previewBytes(body, 256)).Msg("rejected emit")
			writeResult(w, http.StatusBadRequest, result{Error: err.Error()})
			return
		}
		in.publish(w, r, sig)
	}
}

func (in *Ingest) admit(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeResult(w, http.StatusMethodNotAllowed, result{Error: "method not allowed"})
		return false
	}
	if in.Secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(notify.SecretHeader)), []byte(in.Secret)) != 1 {
		writeResult(w, http.StatusUnauthorized, result{Error: "unauthorized"})
		return false
	}
	return true
}

func (in *Ingest) publish(w http.ResponseWriter, r *http.Request, sig events.Signal) {
	if in.Observe != nil {
		in.Observe(sig)
	}
	bus, ok := in.Source.Bus()
	if !ok {
		writeResult(w, http.StatusServiceUnavailable, result{Error: notify.ErrBridgeNotReady.Error()})
		return
	}
	n := sig.Apply(bus)
	in.Logger.Debug().Str("path", r.URL.Path).Str("signal", sig.String()).Int("delivered", n).Msg("emit")
	writeResult(w, http.StatusOK, result{Success: true, Delivered: n})
}

func decodeSignal(r *http.Request, body []byte) (events.Signal, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/msgpack" || ct == "application/wrp+msgpack" {
		var m wrp.Message
		if err := wrp.NewDecoder(bytes.NewReader(body), wrp.Msgpack).Decode(&m); err != nil {
			return events.Signal{}, err
		}
		sig, err := notify.FromMessage(&m)
		if err != nil {
			return events.Signal{}, err
		}
		return sig, sig.Validate()
	}

	var in IncomingSignal
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &in); err != nil {
			return events.Signal{}, err
		}
	} else {
		// Fallback: minimal signal from headers.
		in.Topic = strings.TrimSpace(r.Header.Get("X-Event-Topic"))
		in.Event = strings.TrimSpace(r.Header.Get("X-Event-Name"))
	}
	if in.Topic == "" && in.Event == "" {
		return events.Signal{}, errEmptySignal
	}
	sig := events.Signal{Topic: in.Topic, All: in.All, Event: nz(in.Event, events.EventName(in.Topic))}
	return sig, sig.Validate()
}

func writeResult(w http.ResponseWriter, status int, res result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// previewBytes returns a printable (possibly truncated) string representation of raw bytes.
func previewBytes(b []byte, max int) string {
	if len(b) == 0 {
		return ""
	}
	if len(b) > max {
		return string(b[:max]) + "…"
	}
	return string(b)
}

// nz returns fallback if s is empty.
func nz(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
