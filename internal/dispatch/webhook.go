package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

const (
	maxDeliveryAttempts = 3
	deliveryTimeout      = 10 * time.Second
)

// webhookClient delivers signed payloads with exponential backoff,
// grounded on the teacher's alert.webhookSender retry loop but using the
// spec's signature scheme (X-Webhook-Signature: sha256=<hex> over a
// canonicalised, lexicographically-key-sorted JSON body) instead of the
// teacher's bare-hex X-AgentWarden-Signature.
type webhookClient struct {
	http *http.Client
}

func newWebhookClient() *webhookClient {
	return &webhookClient{http: &http.Client{Timeout: deliveryTimeout}}
}

// deliverWithRetry attempts delivery up to maxDeliveryAttempts times,
// sleeping 2^attempt seconds between attempts (attempt counted from 0).
// It returns the last error if every attempt fails.
func (c *webhookClient) deliverWithRetry(url, secret string, payload webhookPayload) error {
	body, err := payload.marshalCanonical()
	if err != nil {
		return fmt.Errorf("canonicalize webhook payload: %w", err)
	}
	signature := sign(secret, body)

	var lastErr error
	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
		if err := c.deliverOnce(url, signature, body); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (c *webhookClient) deliverOnce(url, signature string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// canonicalJSON re-encodes v with object keys sorted lexicographically at
// every nesting level, so the same logical payload always signs to the
// same bytes regardless of map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(encoded)
		return nil
	}
}
