// Command avelogin signs in through a provider popup and redeems the code at
// a backend relay, printing the token response.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"aveauth/channel"
	"aveauth/client"
	"aveauth/relay"
)

var errWindowClosed = errors.New("login window closed before completing")

type options struct {
	Issuer      string
	ClientID    string
	RedirectURI string
	RelayURL    string
	Theme       string
	Scopes      []string
}

func main() {
	issuer := flag.String("issuer", getEnv("AVE_ISSUER", client.DefaultIssuer), "Provider issuer URL")
	clientID := flag.String("client-id", getEnv("AVE_CLIENT_ID", ""), "Application client ID")
	redirectURI := flag.String("redirect-uri", getEnv("AVE_REDIRECT_URI", "http://127.0.0.1:8080/callback"), "Registered redirect URI")
	relayURL := flag.String("relay", getEnv("AVE_RELAY_URL", "http://127.0.0.1:8080"), "Backend relay base URL")
	theme := flag.String("theme", "", "Provider theme")
	scope := flag.String("scope", "openid profile email", "Space separated scopes")
	timeout := flag.Duration("timeout", 5*time.Minute, "How long to wait for the login to finish")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	host := relay.New(relay.Config{Logger: logger})
	if err := host.Start(); err != nil {
		log.Fatalf("start relay host: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = host.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	token, err := login(ctx, options{
		Issuer:      *issuer,
		ClientID:    *clientID,
		RedirectURI: *redirectURI,
		RelayURL:    *relayURL,
		Theme:       *theme,
		Scopes:      strings.Fields(*scope),
	}, client.NewMemoryAttemptStore(), host, http.DefaultClient, logger)
	if err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, token, "", "  "); err != nil {
		out.Reset()
		out.Write(token)
	}
	fmt.Println(out.String())
}

type outcome struct {
	redirectURL string
	err         error
}

// login opens a popup session for a fresh attempt and redeems the returned
// code at the backend relay with the attempt's verifier. The attempt lives in
// attempts until the redirect consumes it and is discarded on any failure.
func login(ctx context.Context, opts options, attempts client.AttemptStore, host channel.Host, hc *http.Client, logger *slog.Logger) (json.RawMessage, error) {
	attempt, err := client.NewAttempt()
	if err != nil {
		return nil, err
	}
	if err := attempts.Save(attempt); err != nil {
		return nil, err
	}
	defer attempts.Discard(attempt.ID)

	req, err := client.NewAuthorizationRequest(client.AuthorizeParams{
		ClientID:    opts.ClientID,
		RedirectURI: opts.RedirectURI,
		Issuer:      opts.Issuer,
	}, attempt.Apply(client.AuthorizeOptions{Scope: opts.Scopes, Theme: opts.Theme}))
	if err != nil {
		return nil, err
	}

	done := make(chan outcome, 1)
	sess, err := channel.NewManager(host, logger).Open(channel.Options{
		Request:      req,
		Presentation: channel.Popup,
		OnSuccess: func(p channel.SuccessPayload) {
			done <- outcome{redirectURL: p.RedirectURL}
		},
		OnError: func(p channel.ErrorPayload) {
			msg := p.Error
			if p.Message != "" {
				msg += ": " + p.Message
			}
			done <- outcome{err: fmt.Errorf("provider error %s", msg)}
		},
		OnClose: func() {
			done <- outcome{err: errWindowClosed}
		},
	})
	if err != nil {
		return nil, err
	}
	defer sess.Destroy()
	logger.Info("waiting for login to finish in the browser", "session", sess.ID())

	var res outcome
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, res.err
	}
	return completeLogin(ctx, attempts, hc, opts, res.redirectURL)
}

// completeLogin consumes the attempt named by the redirect state and redeems
// the code. A redirect replayed after its attempt was consumed fails with
// client.ErrAttemptNotFound.
func completeLogin(ctx context.Context, attempts client.AttemptStore, hc *http.Client, opts options, redirectURL string) (json.RawMessage, error) {
	code, state, err := codeFromRedirect(redirectURL)
	if err != nil {
		return nil, err
	}
	attempt, err := attempts.Consume(state)
	if err != nil {
		return nil, fmt.Errorf("redirect state does not match a pending login: %w", err)
	}
	return redeem(ctx, hc, opts.RelayURL, code, attempt, opts.RedirectURI)
}

// codeFromRedirect extracts the code and state from the provider redirect.
func codeFromRedirect(raw string) (code, state string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse redirect url: %w", err)
	}
	q := u.Query()
	state = q.Get("state")
	if state == "" {
		return "", "", fmt.Errorf("redirect url carries no state: %w", client.ErrAttemptNotFound)
	}
	code = q.Get("code")
	if code == "" {
		return "", "", errors.New("redirect url carries no code")
	}
	return code, state, nil
}

// redeem posts the code to the relay. The nonce lets the relay check the
// id_token against this attempt.
func redeem(ctx context.Context, hc *http.Client, relayURL, code string, attempt client.Attempt, redirectURI string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{
		"code":         code,
		"codeVerifier": attempt.Verifier,
		"nonce":        attempt.Nonce,
		"redirectUri":  redirectURI,
	})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSuffix(relayURL, "/") + "/api/auth/exchange"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call relay: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("relay rejected the code: %s", msg)
	}
	return raw, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
