package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatr4661-cell/chatr-sub007/internal/signal"
)

// maxInviteTTL caps how long a call invitation may sit queued at the
// provider. A push delivered after the caller gave up only produces a missed
// call, never a ringing screen.
const maxInviteTTL = 30 * time.Second

// DispatchResult reports what happened to one invitation. Delivered=false is
// an outcome, not an error: signaling proceeds regardless.
type DispatchResult struct {
	Delivered bool
	Reason    string
}

// DispatcherConfig wires the invitation dispatcher. Registry is required.
// With Tokens set, invitations go to Endpoint with a bearer token; otherwise
// LegacyEndpoint/LegacyKey are used.
type DispatcherConfig struct {
	Registry TargetRegistry

	Endpoint string
	Tokens   TokenSource

	LegacyEndpoint string
	LegacyKey      string

	// TTL is clamped to 30s.
	TTL time.Duration

	Client *http.Client
	Logger *slog.Logger
}

// Dispatcher sends wake-up invitations for incoming calls.
type Dispatcher struct {
	cfg DispatcherConfig
	log *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatcher requires a target registry")
	}
	modern := cfg.Endpoint != "" && cfg.Tokens != nil
	legacy := cfg.LegacyEndpoint != "" && cfg.LegacyKey != ""
	if !modern && !legacy {
		return nil, fmt.Errorf("dispatcher requires a provider endpoint")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TTL <= 0 || cfg.TTL > maxInviteTTL {
		cfg.TTL = maxInviteTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, log: cfg.Logger}, nil
}

// Notify pushes a call invitation to the callee's most recent device. The
// returned error is reserved for programming mistakes; provider and registry
// failures land in the result.
func (d *Dispatcher) Notify(ctx context.Context, call signal.Call) (DispatchResult, error) {
	target, err := d.cfg.Registry.MostRecent(ctx, call.CalleeID)
	if errors.Is(err, ErrNoTarget) {
		return DispatchResult{Reason: "no push target registered"}, nil
	}
	if err != nil {
		d.log.Warn("push target lookup failed", "callee", call.CalleeID, "err", err)
		return DispatchResult{Reason: fmt.Sprintf("target lookup: %v", err)}, nil
	}

	data := map[string]string{
		"callId":   call.ID,
		"callerId": call.CallerID,
		"media":    string(call.Media),
		"ts":       strconv.FormatInt(time.Now().Unix(), 10),
	}

	var status int
	var body []byte
	if d.cfg.Tokens != nil && d.cfg.Endpoint != "" {
		status, body, err = d.sendModern(ctx, target.Token, data)
	} else {
		status, body, err = d.sendLegacy(ctx, target.Token, data)
	}
	if err != nil {
		d.log.Warn("push send failed", "call", call.ID, "err", err)
		return DispatchResult{Reason: err.Error()}, nil
	}

	if tokenUnregistered(status, body) {
		d.log.Info("purging unregistered push target", "callee", call.CalleeID)
		if err := d.cfg.Registry.Invalidate(ctx, call.CalleeID, target.Token); err != nil {
			d.log.Warn("push target invalidation failed", "err", err)
		}
		return DispatchResult{Reason: "push target unregistered"}, nil
	}
	if status < 200 || status > 299 {
		d.log.Warn("push rejected", "call", call.ID, "status", status)
		return DispatchResult{Reason: fmt.Sprintf("provider status %d", status)}, nil
	}

	d.log.Info("call invitation pushed", "call", call.ID, "callee", call.CalleeID,
		"platform", target.Platform)
	return DispatchResult{Delivered: true}, nil
}

// sendModern posts a v1-style message authorized by a bearer token.
func (d *Dispatcher) sendModern(ctx context.Context, token string, data map[string]string) (int, []byte, error) {
	bearer, err := d.cfg.Tokens.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("push auth: %w", err)
	}
	payload := map[string]any{
		"message": map[string]any{
			"token": token,
			"data":  data,
			"android": map[string]any{
				"ttl":      fmt.Sprintf("%ds", int(d.cfg.TTL.Seconds())),
				"priority": "high",
			},
		},
	}
	return d.post(ctx, d.cfg.Endpoint, "Bearer "+bearer, payload)
}

// sendLegacy posts to the pre-v1 endpoint authorized by a server key.
func (d *Dispatcher) sendLegacy(ctx context.Context, token string, data map[string]string) (int, []byte, error) {
	payload := map[string]any{
		"to":           token,
		"data":         data,
		"time_to_live": int(d.cfg.TTL.Seconds()),
		"priority":     "high",
	}
	return d.post(ctx, d.cfg.LegacyEndpoint, "key="+d.cfg.LegacyKey, payload)
}

func (d *Dispatcher) post(ctx context.Context, endpoint, authorization string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	resp, err := d.cfg.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// tokenUnregistered detects the provider telling us the device token is
// dead, in both the v1 ("UNREGISTERED") and legacy ("NotRegistered") shapes.
func tokenUnregistered(status int, body []byte) bool {
	if status == http.StatusOK && !strings.Contains(string(body), "NotRegistered") {
		return false
	}
	s := string(body)
	return strings.Contains(s, "UNREGISTERED") || strings.Contains(s, "NotRegistered")
}
