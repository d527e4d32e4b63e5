package ticket

import (
	"encoding/json"
	"strings"
	"time"
)

// PayloadType tags a QR payload as ours. Scanners reject anything else.
const PayloadType = "bus_subscription"

// Payload is the data contract behind the QR image. The symbology is the
// mobile client's business; only this JSON matters here.
type Payload struct {
	UserID         string `json:"userId"`
	BusID          string `json:"busId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	Type           string `json:"type"`
}

// Encode serializes a ticket payload for embedding in a QR code.
func Encode(userID, busID, subscriptionID string, ts time.Time) string {
	p := Payload{
		UserID:         userID,
		BusID:          busID,
		SubscriptionID: subscriptionID,
		Timestamp:      ts.UnixMilli(),
		Type:           PayloadType,
	}
	b, _ := json.Marshal(p)
	return string(b)
}

// Decode parses a scanned payload. Client QR libraries sometimes hand the
// text back re-quoted, so one extra layer of JSON string escaping is
// tolerated. Returns false for anything that is not a complete ticket
// payload of our type.
func Decode(raw string) (*Payload, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, false
	}
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil || p.Type == "" {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			return nil, false
		}
		p = Payload{}
		if err := json.Unmarshal([]byte(inner), &p); err != nil {
			return nil, false
		}
	}
	if p.Type != PayloadType {
		return nil, false
	}
	if p.UserID == "" || p.BusID == "" || p.Timestamp == 0 {
		return nil, false
	}
	return &p, true
}
