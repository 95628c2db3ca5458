package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

const (
	MIMETypeText  = "text/plain"
	MIMETypeAudio = "audio/pcm"
	MIMETypeImage = "image/jpeg"

	// mimeTypeTextShort is accepted from older clients that send "text".
	mimeTypeTextShort = "text"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ImagesDisabled is returned for an image frame on a session opened without
// video.
func ImagesDisabled() *DecodeError {
	return unsupported("image frames require video=true", "mime_type")
}

// ClientMessage is one decoded inbound frame. Text is set for text/plain,
// Data for binary payloads.
type ClientMessage struct {
	MIMEType string
	Text     string
	Data     []byte
}

func (m ClientMessage) IsText() bool {
	return m.MIMEType == MIMETypeText
}

// IsMedia reports whether the message carries audio or image data.
func (m ClientMessage) IsMedia() bool {
	return !m.IsText()
}

// DecodeClientMessage decodes a JSON text frame of the form
// {"mime_type": "...", "data": "..."}. Binary payloads are base64 encoded.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	if !gjson.ValidBytes(data) {
		return ClientMessage{}, badRequest("invalid json frame", "")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return ClientMessage{}, badRequest("frame must be a json object", "")
	}

	fields := gjson.GetManyBytes(data, "mime_type", "data")
	mimeField, dataField := fields[0], fields[1]
	if !mimeField.Exists() || mimeField.Type != gjson.String || strings.TrimSpace(mimeField.Str) == "" {
		return ClientMessage{}, badRequest("mime_type is required", "mime_type")
	}
	if !dataField.Exists() || dataField.Type != gjson.String {
		return ClientMessage{}, badRequest("data must be a string", "data")
	}

	mimeType := strings.ToLower(strings.TrimSpace(mimeField.Str))
	switch mimeType {
	case MIMETypeText, mimeTypeTextShort:
		return ClientMessage{MIMEType: MIMETypeText, Text: dataField.Str}, nil
	case MIMETypeAudio, MIMETypeImage:
		raw, err := base64.StdEncoding.DecodeString(dataField.Str)
		if err != nil {
			return ClientMessage{}, badRequest("data is not valid base64", "data")
		}
		return ClientMessage{MIMEType: mimeType, Data: raw}, nil
	default:
		return ClientMessage{}, unsupported("unsupported mime_type", "mime_type")
	}
}

// DecodeBinaryFrame wraps a raw binary websocket frame. Clients stream
// microphone audio this way without the JSON envelope.
func DecodeBinaryFrame(data []byte) (ClientMessage, error) {
	if len(data) == 0 {
		return ClientMessage{}, badRequest("empty binary frame", "")
	}
	return ClientMessage{MIMEType: MIMETypeAudio, Data: data}, nil
}

// ServerMedia carries model text or audio. Data is base64 for audio.
type ServerMedia struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
	Role     string `json:"role,omitempty"`
	Partial  *bool  `json:"partial,omitempty"`
}

type ServerControl struct {
	TurnComplete bool `json:"turn_complete"`
	Interrupted  bool `json:"interrupted"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close"`
}

func NewServerError(code, message string, closeConn bool) ServerError {
	return ServerError{Type: "error", Code: code, Message: message, Close: closeConn}
}

// ServerFrame maps an agent event onto the frame sent to the client.
func ServerFrame(ev agent.Event) (any, error) {
	switch e := ev.(type) {
	case agent.TextChunk:
		partial := e.Partial
		return ServerMedia{
			MIMEType: MIMETypeText,
			Data:     e.Text,
			Role:     string(e.Role),
			Partial:  &partial,
		}, nil
	case agent.AudioChunk:
		mimeType := e.MIMEType
		if mimeType == "" {
			mimeType = MIMETypeAudio
		}
		return ServerMedia{
			MIMEType: mimeType,
			Data:     base64.StdEncoding.EncodeToString(e.Data),
		}, nil
	case agent.ControlMarker:
		return ServerControl{TurnComplete: e.TurnComplete, Interrupted: e.Interrupted}, nil
	default:
		return nil, fmt.Errorf("unknown agent event %T", ev)
	}
}
