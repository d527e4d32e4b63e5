package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// PushNotifier posts rider notifications to a push-provider webhook. Device
// delivery is the provider's job; this service only produces the message.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushNotifier(endpoint, key string) *PushNotifier {
	return &PushNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushNotifier) NotifyRider(ctx context.Context, userID, title, body string) error {
	msg := map[string]any{"user_id": userID, "title": title, "body": body}
	b, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
