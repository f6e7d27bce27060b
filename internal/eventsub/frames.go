package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame message types used by the upstream push socket.
const (
	typeWelcome      = "session_welcome"
	typeKeepalive    = "session_keepalive"
	typeReconnect    = "session_reconnect"
	typeNotification = "notification"
	typeRevocation   = "revocation"
)

var errMalformedFrame = errors.New("malformed frame")

// frame is the envelope every inbound websocket message carries.
type frame struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type frameMetadata struct {
	MessageID        string `json:"message_id"`
	MessageType      string `json:"message_type"`
	MessageTimestamp string `json:"message_timestamp"`
	SubscriptionType string `json:"subscription_type"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type chatEventPayload struct {
	Event struct {
		ChatterUserLogin string `json:"chatter_user_login"`
		ChatterUserName  string `json:"chatter_user_name"`
		Badges           []struct {
			SetID string `json:"set_id"`
		} `json:"badges"`
		Message struct {
			Text string `json:"text"`
		} `json:"message"`
	} `json:"event"`
}

// ChatMessage is what the subscription hands to the registered handler.
type ChatMessage struct {
	Username      string
	Text          string
	IsModerator   bool
	IsBroadcaster bool
}

// parseFrame validates the envelope structurally. Frames without an id or a
// known type are dropped by the caller.
func parseFrame(raw []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if f.Metadata.MessageID == "" || f.Metadata.MessageType == "" {
		return nil, fmt.Errorf("%w: missing metadata", errMalformedFrame)
	}
	return &f, nil
}

// parseSession extracts the session block of welcome and reconnect frames.
func parseSession(f *frame) (*sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	if p.Session.ID == "" && f.Metadata.MessageType == typeWelcome {
		return nil, fmt.Errorf("%w: welcome without session id", errMalformedFrame)
	}
	if p.Session.ReconnectURL == "" && f.Metadata.MessageType == typeReconnect {
		return nil, fmt.Errorf("%w: reconnect without url", errMalformedFrame)
	}
	return &p, nil
}

// parseChatMessage extracts a chat notification into the handler shape.
func parseChatMessage(f *frame) (*ChatMessage, error) {
	var p chatEventPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedFrame, err)
	}
	username := p.Event.ChatterUserLogin
	if username == "" {
		username = p.Event.ChatterUserName
	}
	if username == "" {
		return nil, fmt.Errorf("%w: chat event without chatter", errMalformedFrame)
	}

	msg := &ChatMessage{
		Username: username,
		Text:     p.Event.Message.Text,
	}
	for _, b := range p.Event.Badges {
		switch b.SetID {
		case "moderator":
			msg.IsModerator = true
		case "broadcaster":
			msg.IsBroadcaster = true
		}
	}
	return msg, nil
}

// keepaliveDeadline converts the advertised keepalive timeout into a read
// deadline with grace for network slack.
func keepaliveDeadline(now time.Time, keepaliveSeconds int) time.Time {
	if keepaliveSeconds <= 0 {
		keepaliveSeconds = 10
	}
	return now.Add(time.Duration(keepaliveSeconds)*time.Second + 5*time.Second)
}
