package protocol

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeStatus(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"type": "status", "status": "processing"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type, MessageTypeStatus)
	assert.Equal(t, message.Status, StatusProcessing)
	assert.Equal(t, message.Recognized(), true)
	assert.Equal(t, message.Suggestions, nil)
	assert.Equal(t, message.Error, nil)

	// a status other than processing still decodes. the consumer decides
	message, err = DecodeMessage([]byte(`{"type": "status", "status": "queued"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Status, Status("queued"))
}

func TestDecodeSuggestions(t *testing.T) {
	b := []byte(`{
		"type": "suggestions",
		"status": "success",
		"data": {"issues": [
			{"type": "ambiguity", "severity": "high", "paragraph": 2,
			 "description": "The term is undefined.", "suggestion": "Define the term."}
		]}
	}`)
	message, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type, MessageTypeSuggestions)
	assert.Equal(t, len(message.Suggestions.Issues), 1)
	assert.Equal(t, message.Suggestions.Issues[0].Severity, SeverityHigh)
	assert.Equal(t, message.Suggestions.Issues[0].Paragraph, 2)

	// a success may carry zero issues
	message, err = DecodeMessage([]byte(`{"type": "suggestions", "status": "success", "data": {}}`))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, message.Suggestions.Issues, nil)
	assert.Equal(t, len(message.Suggestions.Issues), 0)

	message, err = DecodeMessage([]byte(`{"type": "suggestions", "status": "success"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(message.Suggestions.Issues), 0)
}

func TestDecodeMalformed(t *testing.T) {
	malformed := [][]byte{
		[]byte(`not json at all`),
		[]byte(`{"status": "processing"}`),
		// suggestions must pair with success
		[]byte(`{"type": "suggestions", "status": "error", "data": {"issues": []}}`),
		[]byte(`{"type": "suggestions", "status": "success", "data": {"issues": [{"severity": "fatal", "paragraph": 1}]}}`),
		[]byte(`{"type": "suggestions", "status": "success", "data": {"issues": [{"severity": "low", "paragraph": -1}]}}`),
		[]byte(`{"type": "suggestions", "status": "success", "data": 42}`),
		[]byte(`{"type": "error", "data": "oops"}`),
	}
	for _, b := range malformed {
		message, err := DecodeMessage(b)
		assert.NotEqual(t, err, nil)
		assert.Equal(t, message, nil)
	}
}

func TestDecodeError(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"type": "error", "status": "error", "data": {"message": "Model overloaded."}}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Type, MessageTypeError)
	assert.Equal(t, message.Error.Message, "Model overloaded.")

	// a missing payload decodes to an empty message. the consumer applies a fallback
	message, err = DecodeMessage([]byte(`{"type": "error", "status": "error"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Error.Message, "")
}

func TestDecodeUnrecognizedType(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"type": "heartbeat", "status": "ok"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Recognized(), false)
	assert.Equal(t, message.Suggestions, nil)
	assert.Equal(t, message.Error, nil)
}

func TestDecodeSeq(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"type": "status", "status": "processing", "seq": 7}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, *message.Seq, uint64(7))

	message, err = DecodeMessage([]byte(`{"type": "status", "status": "processing"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Seq, nil)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := uint64(3)
	out := &Message{
		Type:   MessageTypeSuggestions,
		Status: StatusSuccess,
		Seq:    &seq,
		Suggestions: &SuggestionsPayload{
			Issues: []SuggestionItem{
				{
					Type:        "legal_scope",
					Severity:    SeverityMedium,
					Paragraph:   4,
					Description: "Claim scope is broader than the disclosure.",
					Suggestion:  "Limit the claim to the described embodiment.",
				},
			},
		},
	}
	b := RequireEncodeMessage(out)
	in, err := DecodeMessage(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, *in.Seq, seq)
	assert.Equal(t, in.Suggestions.Issues, out.Suggestions.Issues)

	_, err = EncodeMessage(&Message{Type: MessageType("bogus")})
	assert.NotEqual(t, err, nil)
}

func TestEditFrame(t *testing.T) {
	content, seq := DecodeEditFrame([]byte("A method comprising the steps of mixing and heating."))
	assert.Equal(t, content, "A method comprising the steps of mixing and heating.")
	assert.Equal(t, seq, nil)

	b := RequireEncodeEditEnvelope(9, "A method comprising a widget.")
	content, seq = DecodeEditFrame(b)
	assert.Equal(t, content, "A method comprising a widget.")
	assert.Equal(t, *seq, uint64(9))
}
