package mediastream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStart(t *testing.T) {
	raw := `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"streamSid":"MZ1","accountSid":"AC1","callSid":"CA1",
		"tracks":["inbound"],"customParameters":{"lead_id":"l1","campaign_id":"c1"},
		"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`

	f, err := Decode([]byte(raw))
	require.NoError(t, err)
	start, ok := f.(Start)
	require.True(t, ok)
	assert.Equal(t, "MZ1", start.StreamSID)
	assert.Equal(t, "CA1", start.CallSID)
	assert.Equal(t, "l1", start.CustomParameters["lead_id"])
	assert.Equal(t, 8000, start.SampleRate)
}

func TestDecodeMedia(t *testing.T) {
	f, err := Decode([]byte(`{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"20","payload":"//8="}}`))
	require.NoError(t, err)
	media, ok := f.(Media)
	require.True(t, ok)
	assert.Equal(t, "//8=", media.Payload)

	audio, err := media.Audio()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff}, audio)
}

func TestDecodeOthers(t *testing.T) {
	f, err := Decode([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"r1"}}`))
	require.NoError(t, err)
	assert.Equal(t, Mark{StreamSID: "MZ1", Name: "r1"}, f)

	f, err = Decode([]byte(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`))
	require.NoError(t, err)
	assert.Equal(t, Stop{StreamSID: "MZ1", CallSID: "CA1"}, f)

	f, err = Decode([]byte(`{"event":"dtmf","streamSid":"MZ1"}`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{Event: "dtmf"}, f)

	_, err = Decode([]byte(`{"event":"media"}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{`))
	assert.Error(t, err)
}

func TestEncoders(t *testing.T) {
	b, err := EncodeMedia("MZ1", "AAA=")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"media","streamSid":"MZ1","media":{"payload":"AAA="}}`, string(b))

	b, err = EncodeClear("MZ1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ1"}`, string(b))

	b, err = EncodeMark("MZ1", "r1")
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "mark", decoded["event"])
}
