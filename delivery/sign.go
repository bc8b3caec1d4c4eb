// Package delivery implements the webhook delivery scheduler: durable
// pending-delivery polling, a signing HTTP sender with SSRF protection,
// bounded retries with exponential back-off, and endpoint auto-disable.
package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Signature headers attached to every delivery. The webhook id lets
// receivers deduplicate replays.
const (
	HeaderSignature = "X-Dalston-Signature"
	HeaderTimestamp = "X-Dalston-Timestamp"
	HeaderWebhookID = "X-Dalston-Webhook-Id"
)

// Sign computes the payload signature: "sha256=" + HMAC-SHA256 of
// "{timestamp}.{payload}" under the secret.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Payload builds the webhook body for a job lifecycle event. Text is
// truncated to the first 500 characters; webhook metadata is echoed back
// verbatim.
func Payload(event string, jobID uuid.UUID, status string, text *string, duration *float64, errMsg *string, metadata map[string]any) map[string]any {
	payload := map[string]any{
		"event":            event,
		"transcription_id": jobID.String(),
		"status":           status,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	if text != nil {
		excerpt := *text
		if runes := []rune(excerpt); len(runes) > 500 {
			excerpt = string(runes[:500])
		}
		payload["text"] = excerpt
	}
	if duration != nil {
		payload["duration"] = *duration
	}
	if errMsg != nil {
		payload["error"] = *errMsg
	}
	if metadata != nil {
		payload["webhook_metadata"] = metadata
	}
	return payload
}
