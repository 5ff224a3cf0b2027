package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
)

type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	signature := mac.Sum(nil)
	return hex.EncodeToString(signature)
}

func (s *Signer) Verify(data []byte, signature string) (bool, error) {
	expectedSignature := s.Sign(data)

	if !hmac.Equal([]byte(expectedSignature), []byte(signature)) {
		s.logger.Warn("Signature verification failed",
			slog.String("expected", expectedSignature),
			slog.String("received", signature))
		return false, fmt.Errorf("invalid signature")
	}

	return true, nil
}

// SettlementKey derives the ledger idempotency key for a claim. The same
// claim always maps to the same key, which is what makes repeated payment
// submissions safe.
func (s *Signer) SettlementKey(claimID string) string {
	return s.Sign([]byte("settlement:" + claimID))
}

// SignSettlement binds a payment's fields together for audit trails.
func (s *Signer) SignSettlement(claimID, recipient string, amount float64) string {
	data := fmt.Sprintf("%s:%s:%.2f", claimID, recipient, amount)
	return s.Sign([]byte(data))
}
