package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PaymentSignaturePayload is the message the gateway signs for checkout
// verification.
func PaymentSignaturePayload(intentID, paymentID string) []byte {
	return []byte(intentID + "|" + paymentID)
}

// VerifyPaymentSignature checks a checkout signature over (intentID, paymentID).
func VerifyPaymentSignature(secret, intentID, paymentID, signature string) bool {
	return verify(secret, PaymentSignaturePayload(intentID, paymentID), signature)
}

// VerifyWebhookSignature checks a webhook signature over the raw request body.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	return verify(secret, body, signature)
}

func verify(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
