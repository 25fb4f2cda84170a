package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/termhost/internal/domain/terminal"
)

func TestEncodeShape(t *testing.T) {
	data, err := Encode(TypeOutput, OutputPayload{TerminalID: "term_1", Data: "héllo\r\n"})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "terminal:output", raw["type"])
	assert.Equal(t, map[string]any{"terminalId": "term_1", "data": "héllo\r\n"}, raw["payload"])
}

func TestEncodeWithoutPayload(t *testing.T) {
	data, err := Encode(TypePong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}

func TestEncodeExitKeepsNullCode(t *testing.T) {
	code := 143
	data, err := Encode(TypeExit, ExitPayload{TerminalID: "term_1", ExitCode: &code, Status: terminal.StatusExited})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"terminal:exit","payload":{"terminalId":"term_1","exitCode":143,"status":"exited"}}`, string(data))
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"terminal:resize","payload":{"terminalId":"term_1","cols":120,"rows":40}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeResize, env.Type)

	var p ResizePayload
	require.NoError(t, DecodePayload(env, &p))
	assert.Equal(t, ResizePayload{TerminalID: "term_1", Cols: 120, Rows: 40}, p)
}

func TestDecodeCreateOptionalFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"terminal:create","payload":{"name":"api","positionInTab":0}}`))
	require.NoError(t, err)

	var p CreatePayload
	require.NoError(t, DecodePayload(env, &p))
	assert.Equal(t, "api", p.Name)
	assert.Zero(t, p.Cols)
	require.NotNil(t, p.PositionInTab)
	assert.Equal(t, 0, *p.PositionInTab)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `hello`},
		{"missing type", `{"payload":{}}`},
		{"wrong type kind", `{"type":7}`},
		{"truncated", `{"type":"terminal:input","payload":{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	env, err := Decode([]byte(`{"type":"terminal:input"}`))
	require.NoError(t, err)
	var p InputPayload
	assert.ErrorIs(t, DecodePayload(env, &p), ErrMalformed)

	env, err = Decode([]byte(`{"type":"terminal:input","payload":{"terminalId":5}}`))
	require.NoError(t, err)
	assert.ErrorIs(t, DecodePayload(env, &p), ErrMalformed)
}
