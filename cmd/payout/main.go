/**
 * @description
 * Operator script that pays out one affiliate through the ledger admin API.
 * It prints the payout preview, asks for confirmation and then processes the payout.
 *
 * Usage:
 *   go run ./cmd/payout <affiliate-id>
 *
 * @dependencies
 * - Environment variables: LEDGER_SERVICE_URL, ADMIN_JWT_SECRET
 * - github.com/golang-jwt/jwt/v5: mints a short-lived admin token.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/vpnportal/ledger/pkg/ledgerclient"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: go run ./cmd/payout <affiliate-id>")
		os.Exit(1)
	}

	affiliateID, err := uuid.Parse(os.Args[1])
	if err != nil {
		log.Fatalf("Invalid affiliate id %q: %v", os.Args[1], err)
	}

	for _, path := range []string{"../.env", ".env"} {
		_ = godotenv.Load(path)
	}

	baseURL := os.Getenv("LEDGER_SERVICE_URL")
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		log.Fatal("ADMIN_JWT_SECRET environment variable is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default ledger URL:", baseURL)
	}

	token, err := adminToken(secret, time.Now())
	if err != nil {
		log.Fatalf("Failed to sign admin token: %v", err)
	}
	client := ledgerclient.NewClient(baseURL, "").WithBearerToken(token)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	preview, err := client.PayoutPreview(ctx, affiliateID)
	if err != nil {
		log.Fatalf("Failed to fetch payout preview: %v", err)
	}

	fmt.Printf("Affiliate %s (%s)\n", preview.Affiliate.Code, preview.Affiliate.ID)
	fmt.Printf("  Status: %s\n", preview.Affiliate.Status)
	fmt.Printf("  Payout: %s %s\n", preview.Affiliate.PayoutCurrency, preview.Affiliate.PayoutAddress)
	fmt.Printf("  Pending balance: %s (minimum %s)\n", preview.Affiliate.PendingBalance.StringFixed(2), preview.Affiliate.MinimumPayoutAmount.StringFixed(2))
	fmt.Printf("  Approved commissions: %d totalling %s\n", len(preview.Commissions), preview.Total.StringFixed(2))
	if !preview.Eligible {
		fmt.Println("  Note: affiliate is below the payout threshold")
	}

	if len(preview.Commissions) == 0 {
		fmt.Println("Nothing to pay.")
		os.Exit(0)
	}

	fmt.Printf("\nPay %s to this affiliate? (yes/no): ", preview.Total.StringFixed(2))
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Payout cancelled.")
		os.Exit(0)
	}

	ids := make([]uuid.UUID, 0, len(preview.Commissions))
	for _, c := range preview.Commissions {
		ids = append(ids, c.ID)
	}
	result, err := client.ProcessPayout(ctx, affiliateID, ids)
	if err != nil {
		log.Fatalf("Failed to process payout: %v", err)
	}
	if result.NothingToPay {
		fmt.Println("Nothing was paid; the commissions changed since the preview.")
		return
	}

	fmt.Printf("Paid %d commissions totalling %s\n", result.Count, result.Total.StringFixed(2))
	for i, ref := range result.References {
		fmt.Printf("  %s  %s\n", result.CommissionIDs[i], ref)
	}
}

func adminToken(secret string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  "payout-cli",
		"role": "admin",
		"iat":  now.Unix(),
		"exp":  now.Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
