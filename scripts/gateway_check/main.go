package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"broker-sync/internal/gateway"
	"broker-sync/pkg/config"
)

// gateway_check/main.go
//
// Quick probe for the broker gateway: dials the configured endpoint,
// runs the application-auth handshake and lists the accounts an access
// token can reach.
//
// Usage:
//
//   cd broker-sync
//   GATEWAY_CHECK_TOKEN=<access token> go run ./scripts/gateway_check
//
// Environment (same as the main service):
//   BROKER_CLIENT_ID / BROKER_CLIENT_SECRET
//   BROKER_ENVIRONMENT   (default "demo")
//   BROKER_ENDPOINTS_PATH (optional yaml override)
//
// With GATEWAY_CHECK_ACCOUNT set, also fetches that account's balance
// and open positions.

func main() {
	log.Println("=== Gateway check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.BrokerClientID == "" || cfg.BrokerClientSecret == "" {
		log.Fatal("BROKER_CLIENT_ID/BROKER_CLIENT_SECRET are required")
	}

	token := os.Getenv("GATEWAY_CHECK_TOKEN")
	if token == "" {
		log.Fatal("GATEWAY_CHECK_TOKEN is required")
	}

	endpoints, err := gateway.LoadEndpoints(cfg.EndpointsPath)
	if err != nil {
		log.Fatalf("endpoints: %v", err)
	}
	url, err := endpoints.ForEnvironment(cfg.BrokerEnvironment)
	if err != nil {
		log.Fatalf("environment: %v", err)
	}
	log.Printf("Dialing %s (%s)", url, cfg.BrokerEnvironment)

	client := gateway.NewClient(gateway.Config{
		URL:            url,
		ClientID:       cfg.BrokerClientID,
		ClientSecret:   cfg.BrokerClientSecret,
		RequestTimeout: cfg.RequestTimeout,
		CallsPerSec:    cfg.GatewayCallsPerSec,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	accounts, err := client.ListAccounts(ctx, token)
	if err != nil {
		log.Fatalf("[ACCOUNTS] %v", err)
	}
	log.Printf("[ACCOUNTS] token reaches %d account(s)", len(accounts))
	for _, a := range accounts {
		env := "demo"
		if a.IsLive {
			env = "live"
		}
		log.Printf("  account=%d login=%d env=%s", a.AccountID, a.Login, env)
	}

	accountEnv := os.Getenv("GATEWAY_CHECK_ACCOUNT")
	if accountEnv == "" {
		log.Println("GATEWAY_CHECK_ACCOUNT not set, skipping account queries")
		log.Println("=== Gateway check done ===")
		return
	}
	var accountID int64
	for _, a := range accounts {
		if itoa(a.AccountID) == accountEnv {
			accountID = a.AccountID
		}
	}
	if accountID == 0 {
		log.Fatalf("account %s not reachable with this token", accountEnv)
	}

	balance, err := client.GetBalance(ctx, accountID, token)
	if err != nil {
		log.Printf("[BALANCE] error: %v", err)
	} else {
		log.Printf("[BALANCE] %.2f", balance)
	}

	positions, err := client.GetOpenPositions(ctx, accountID, token)
	if err != nil {
		log.Printf("[POSITIONS] error: %v", err)
	} else {
		log.Printf("[POSITIONS] %d open", len(positions))
		for _, p := range positions {
			log.Printf("  %s %s %s vol=%.2f entry=%.5f", p.PositionID, p.Symbol, p.Side, p.Volume, p.EntryPrice)
		}
	}

	log.Println("=== Gateway check done ===")
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
