package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	env, err := DecodeEnvelope([]byte(`{"event":" user_input ","data":{"text":"打开八月报表","source":"voice"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventUserInput, env.Event)

	in, err := Decode[UserInput](env)
	require.NoError(t, err)
	assert.Equal(t, "打开八月报表", in.Text)
	assert.Equal(t, SourceVoice, in.SourceOrDefault())

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "bad_request", de.Code)

	_, err = DecodeEnvelope([]byte(`not json`))
	require.ErrorAs(t, err, &de)
}

func TestDecode_MissingPayloadIsZero(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`{"event":"start"}`, `{"event":"start","data":null}`} {
		env, err := DecodeEnvelope([]byte(raw))
		require.NoError(t, err)
		req, err := Decode[IDRequest](env)
		require.NoError(t, err)
		assert.Empty(t, req.ID)
	}
}

func TestDecode_WrongShape(t *testing.T) {
	t.Parallel()
	env := Envelope{Event: EventDecisionDefer, Data: []byte(`"d1"`)}
	_, err := Decode[IDRequest](env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decision:defer")
}

func TestUserInput_SourceDefaultsToText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, SourceText, UserInput{Text: "hi"}.SourceOrDefault())
	assert.Equal(t, SourceText, UserInput{Text: "hi", Source: "keyboard"}.SourceOrDefault())
}

func TestEncode(t *testing.T) {
	t.Parallel()
	raw, err := Encode(EventStatus, Status{Status: StatusWorking, Source: SourceText})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"status","data":{"status":"working","source":"text"}}`, string(raw))

	raw, err = Encode(EventStatus, Status{Status: StatusReady})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"status","data":{"status":"ready"}}`, string(raw))

	_, err = Encode("bad", make(chan int))
	require.Error(t, err)
}

func TestDecodeAudio(t *testing.T) {
	t.Parallel()

	frame, err := DecodeAudio(Envelope{Event: EventSpeechAudio, Data: []byte(`"AAEC/w=="`)})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 255}, frame)

	frame, err = DecodeAudio(Envelope{Event: EventSpeechAudio, Data: []byte(`[0,1,2,255]`)})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 255}, frame)

	frame, err = DecodeAudio(Envelope{Event: EventSpeechAudio})
	require.NoError(t, err)
	assert.Nil(t, frame)

	_, err = DecodeAudio(Envelope{Event: EventSpeechAudio, Data: []byte(`[256]`)})
	require.Error(t, err)
	_, err = DecodeAudio(Envelope{Event: EventSpeechAudio, Data: []byte(`"%%%"`)})
	require.Error(t, err)
	_, err = DecodeAudio(Envelope{Event: EventSpeechAudio, Data: []byte(`{"x":1}`)})
	require.Error(t, err)
}
