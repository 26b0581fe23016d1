package protocol

import (
	"encoding/json"
	"fmt"
)

// wire messages for the review suggestion service
// the service speaks json text frames over a single websocket
// inbound frames are untrusted and must be decoded with `DecodeMessage`,
// which validates the type/status/payload correlation

type MessageType string

const (
	MessageTypeStatus      MessageType = "status"
	MessageTypeSuggestions MessageType = "suggestions"
	MessageTypeError       MessageType = "error"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func (self Severity) Known() bool {
	switch self {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	default:
		return false
	}
}

// one review issue inside a suggestions payload
type SuggestionItem struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Paragraph   int      `json:"paragraph"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion"`
}

type SuggestionsPayload struct {
	Issues []SuggestionItem `json:"issues"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// a decoded inbound message
// exactly one of `Suggestions` and `Error` is set, matching `Type`
// an unrecognized `Type` decodes successfully with no payload,
// so that new server message types pass through as no-ops
type Message struct {
	Type   MessageType
	Status Status
	// request sequence echo. nil when the server does not correlate
	Seq *uint64

	Suggestions *SuggestionsPayload
	Error       *ErrorPayload
}

func (self *Message) Recognized() bool {
	switch self.Type {
	case MessageTypeStatus, MessageTypeSuggestions, MessageTypeError:
		return true
	default:
		return false
	}
}

type wireMessage struct {
	Type   MessageType     `json:"type"`
	Status Status          `json:"status,omitempty"`
	Seq    *uint64         `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// decodes and validates one frame from the service
// a returned error means the frame is malformed: bad json, a missing type,
// a payload that does not match the type, or an out of range field
func DecodeMessage(b []byte) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil, err
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("Missing message type.")
	}

	message := &Message{
		Type:   wire.Type,
		Status: wire.Status,
		Seq:    wire.Seq,
	}

	switch wire.Type {
	case MessageTypeStatus:
		// no payload. status values other than `processing` are the
		// consumer's concern, not a decode failure
	case MessageTypeSuggestions:
		if wire.Status != StatusSuccess {
			return nil, fmt.Errorf("Suggestions message with status %q.", wire.Status)
		}
		suggestions := &SuggestionsPayload{}
		if 0 < len(wire.Data) {
			if err := json.Unmarshal(wire.Data, suggestions); err != nil {
				return nil, err
			}
		}
		if suggestions.Issues == nil {
			// a success with no issues is an empty result, not an error
			suggestions.Issues = []SuggestionItem{}
		}
		for i, issue := range suggestions.Issues {
			if !issue.Severity.Known() {
				return nil, fmt.Errorf("Issue %d has unknown severity %q.", i, issue.Severity)
			}
			if issue.Paragraph < 0 {
				return nil, fmt.Errorf("Issue %d has negative paragraph %d.", i, issue.Paragraph)
			}
		}
		message.Suggestions = suggestions
	case MessageTypeError:
		errorPayload := &ErrorPayload{}
		if 0 < len(wire.Data) {
			if err := json.Unmarshal(wire.Data, errorPayload); err != nil {
				return nil, err
			}
		}
		message.Error = errorPayload
	default:
		// unrecognized type. pass through so the consumer can ignore it
	}

	return message, nil
}

// encodes one message in the service's wire format
func EncodeMessage(message *Message) ([]byte, error) {
	wire := wireMessage{
		Type:   message.Type,
		Status: message.Status,
		Seq:    message.Seq,
	}
	switch message.Type {
	case MessageTypeStatus:
	case MessageTypeSuggestions:
		if message.Suggestions == nil {
			return nil, fmt.Errorf("Suggestions message with no payload.")
		}
		data, err := json.Marshal(message.Suggestions)
		if err != nil {
			return nil, err
		}
		wire.Data = data
	case MessageTypeError:
		if message.Error == nil {
			return nil, fmt.Errorf("Error message with no payload.")
		}
		data, err := json.Marshal(message.Error)
		if err != nil {
			return nil, err
		}
		wire.Data = data
	default:
		return nil, fmt.Errorf("Unknown message type: %s", message.Type)
	}
	return json.Marshal(wire)
}

func RequireEncodeMessage(message *Message) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

// outbound analysis request with a client sequence,
// for servers that correlate responses to requests.
// the default outbound frame is the raw document content with no envelope
type EditEnvelope struct {
	Seq     uint64 `json:"seq"`
	Content string `json:"content"`
}

func EncodeEditEnvelope(seq uint64, content string) ([]byte, error) {
	return json.Marshal(&EditEnvelope{
		Seq:     seq,
		Content: content,
	})
}

func RequireEncodeEditEnvelope(seq uint64, content string) []byte {
	b, err := EncodeEditEnvelope(seq, content)
	if err != nil {
		panic(err)
	}
	return b
}

// decodes an analysis request that may or may not carry the envelope.
// a bare content frame returns the content with a nil seq
func DecodeEditFrame(b []byte) (content string, seq *uint64) {
	var envelope EditEnvelope
	if err := json.Unmarshal(b, &envelope); err == nil && envelope.Content != "" {
		return envelope.Content, &envelope.Seq
	}
	return string(b), nil
}
