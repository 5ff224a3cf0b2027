package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

var (
	ErrInsufficientFunds = errors.New("insufficient ledger funds")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrNotSettled        = errors.New("no settlement for key")
)

type ConfirmationStatus string

const (
	ConfirmationConfirmed ConfirmationStatus = "confirmed"
	ConfirmationPending   ConfirmationStatus = "pending"
	ConfirmationFailed    ConfirmationStatus = "failed"
	// ConfirmationUnknown means the polling ceiling elapsed before the
	// ledger gave a definite answer. The payment may still have happened.
	ConfirmationUnknown ConfirmationStatus = "unknown"
)

type payRequest struct {
	IdempotencyKey string  `json:"idempotencyKey"`
	Recipient      string  `json:"recipient"`
	Amount         float64 `json:"amount"`
}

type settlementResponse struct {
	TransactionRef string `json:"transactionRef"`
}

type receiptResponse struct {
	Status        string `json:"status"`
	Confirmations int    `json:"confirmations"`
}

type SettlementClient struct {
	baseURL        string
	httpClient     *http.Client
	pollInterval   time.Duration
	confirmTimeout time.Duration
	logger         *slog.Logger
}

func NewSettlementClient(baseURL string, logger *slog.Logger) *SettlementClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementClient{
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: 15 * time.Second},
		pollInterval:   2 * time.Second,
		confirmTimeout: 2 * time.Minute,
		logger:         logger,
	}
}

// Pay submits a transfer keyed by idempotencyKey. A settlement already known
// under the key is returned as-is, so repeating the call can never move
// funds twice.
func (c *SettlementClient) Pay(ctx context.Context, idempotencyKey, recipient string, amount float64) (string, error) {
	if ref, err := c.Lookup(ctx, idempotencyKey); err == nil {
		c.logger.InfoContext(ctx, "Settlement already exists for key, reusing",
			slog.String("transaction_ref", ref))
		return ref, nil
	} else if !errors.Is(err, ErrNotSettled) {
		return "", err
	}

	body, err := json.Marshal(payRequest{
		IdempotencyKey: idempotencyKey,
		Recipient:      recipient,
		Amount:         amount,
	})
	if err != nil {
		return "", fmt.Errorf("marshal pay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settlements", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var payload settlementResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("%w: decode: %v", ErrLedgerUnavailable, err)
		}
		return payload.TransactionRef, nil
	case http.StatusConflict:
		// Raced another submitter with the same key; the transfer exists.
		return c.Lookup(ctx, idempotencyKey)
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: amount %.2f", ErrInsufficientFunds, amount)
	default:
		return "", fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}
}

// Lookup returns the transaction ref previously settled under key, or
// ErrNotSettled.
func (c *SettlementClient) Lookup(ctx context.Context, idempotencyKey string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/settlements/"+idempotencyKey, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload settlementResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return "", fmt.Errorf("%w: decode: %v", ErrLedgerUnavailable, err)
		}
		return payload.TransactionRef, nil
	case http.StatusNotFound:
		return "", ErrNotSettled
	default:
		return "", fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}
}

// CheckReceipt is a single receipt poll for ref.
func (c *SettlementClient) CheckReceipt(ctx context.Context, ref string, requiredConfirmations int) (ConfirmationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/receipts/"+ref, nil)
	if err != nil {
		return ConfirmationPending, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ConfirmationPending, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ConfirmationPending, fmt.Errorf("%w: status %d", ErrLedgerUnavailable, resp.StatusCode)
	}

	var payload receiptResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ConfirmationPending, fmt.Errorf("%w: decode: %v", ErrLedgerUnavailable, err)
	}

	switch {
	case payload.Status == "failed":
		return ConfirmationFailed, nil
	case payload.Confirmations >= requiredConfirmations:
		return ConfirmationConfirmed, nil
	default:
		return ConfirmationPending, nil
	}
}

// AwaitConfirmation polls the receipt endpoint until the transfer reaches
// the required confirmation count, the ledger reports failure, or the
// ceiling elapses. The ceiling yields ConfirmationUnknown, never a false
// failure: the caller must treat that as "needs investigation".
func (c *SettlementClient) AwaitConfirmation(ctx context.Context, ref string, requiredConfirmations int) (ConfirmationStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.CheckReceipt(ctx, ref, requiredConfirmations)
		if err != nil {
			c.logger.WarnContext(ctx, "Receipt poll failed",
				slog.String("transaction_ref", ref),
				slog.String("error", err.Error()))
		} else if status == ConfirmationConfirmed || status == ConfirmationFailed {
			return status, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ConfirmationUnknown, nil
		}
	}
}
