package chatcore

import (
	json "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Wire frame types.
const (
	FrameMessage               = "MESSAGE"
	FrameEvent                 = "EVENT"
	FrameHeartbeat             = "HEARTBEAT"
	FrameConnectionAck         = "CONNECTION_ACK"
	FrameConnectionEstablished = "CONNECTION_ESTABLISHED"
)

// TypingContentType tags EVENT frames carrying typing indicators.
const TypingContentType = "application/vnd.chat.event.typing"

// Frame is the JSON envelope every inbound and outbound wire message uses.
type Frame struct {
	Type            string `json:"Type"`
	ID              string `json:"Id,omitempty"`
	Content         string `json:"Content,omitempty"`
	ContentType     string `json:"ContentType,omitempty"`
	ParticipantID   string `json:"ParticipantId,omitempty"`
	ParticipantRole string `json:"ParticipantRole,omitempty"`
	AbsoluteTime    string `json:"AbsoluteTime,omitempty"`
}

// IsTypingEvent reports whether the frame is a remote typing indicator.
func (f Frame) IsTypingEvent() bool {
	return f.Type == FrameEvent && f.ContentType == TypingContentType
}

// IsLiveness reports whether the frame only marks connection liveness and
// carries no payload to process.
func (f Frame) IsLiveness() bool {
	switch f.Type {
	case FrameHeartbeat, FrameConnectionAck, FrameConnectionEstablished:
		return true
	}
	return false
}

// DecodeFrame parses a raw inbound payload.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "decode frame")
	}
	if f.Type == "" {
		return Frame{}, errors.New("frame missing Type")
	}
	return f, nil
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	return data, nil
}

// heartbeatFrame builds the outbound keepalive payload.
func heartbeatFrame() []byte {
	return []byte(`{"Type":"HEARTBEAT"}`)
}

// typingFrame builds the outbound local-typing payload.
func typingFrame(content string) ([]byte, error) {
	return EncodeFrame(Frame{
		Type:        FrameEvent,
		ContentType: TypingContentType,
		Content:     content,
	})
}
