package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"user_join","data":{"session_id":"7d444840-9dc0-11d1-b245-5ffdce74fad2","connections":2}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeUserJoin, env.Type)

	var presence SessionPresence
	require.NoError(t, env.DecodeData(&presence))
	assert.Equal(t, uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"), presence.SessionID)
	assert.Equal(t, 2, presence.Connections)

	_, err = DecodeEnvelope([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.Error(t, err)

	env, err = DecodeEnvelope([]byte(`{"type":"subscribed"}`))
	require.NoError(t, err)
	assert.Error(t, env.DecodeData(&presence))
}

func TestFlatDocumentMessage(t *testing.T) {
	frame := []byte(`{"type":"fetch-response","collection":"code","doc_id":"s1","content":"abc","version":3}`)
	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)

	msg, err := env.Document()
	require.NoError(t, err)
	assert.True(t, msg.Matches("code", "s1"))
	assert.False(t, msg.Matches("problem", "s1"))
	assert.Equal(t, 3, msg.VersionValue())
	assert.Equal(t, 0, msg.FromVersionValue())
	require.NotNil(t, msg.Content)
	assert.Equal(t, "abc", *msg.Content)

	op := NewInsert(1, "x")
	out, err := json.Marshal(&DocumentMessage{Type: TypeOp, Collection: "code", DocID: "s1", Operation: &op})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"op","collection":"code","doc_id":"s1","operation":{"type":"insert","position":1,"content":"x","version":0}}`, string(out))
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("chat", map[string]string{"text": "hi"})
	require.NoError(t, err)
	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"chat","data":{"text":"hi"}}`, string(out))

	env, err = NewEnvelope("ping", nil)
	require.NoError(t, err)
	out, err = json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(out))
}

func TestRequestTypes(t *testing.T) {
	assert.True(t, IsDocumentRequest(TypeOp))
	assert.True(t, IsDocumentRequest(TypePresence))
	assert.False(t, IsDocumentRequest(TypeProblemUpdated))
	assert.False(t, IsDocumentRequest(TypeOpAck))
	assert.Equal(t, TypeFetchError, ErrorType(TypeFetch))
	assert.Equal(t, "code:s1", Key("code", "s1"))
}

func TestExecutionPayloads(t *testing.T) {
	var req ExecutionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"code":"print(1)","language":"python","timeout":5}`), &req))
	assert.Equal(t, "python", req.Language)
	assert.Nil(t, req.Stdin)
	require.NotNil(t, req.Timeout)
	assert.Equal(t, 5, *req.Timeout)

	out, err := json.Marshal(ExecutionResult{Stdout: "1\n", ExitCode: 0, ExecutionTimeMs: 12, MemoryUsedKb: 900})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stdout":"1\n","stderr":"","exit_code":0,"execution_time_ms":12,"memory_used_kb":900}`, string(out))
}

func TestProblemUpdated(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	update := ProblemUpdated{
		SessionID:   uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2"),
		UpdatedBy:   uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"),
		ProblemText: "two sum",
		Timestamp:   at,
	}
	env, err := NewEnvelope(TypeProblemUpdated, update)
	require.NoError(t, err)

	var decoded ProblemUpdated
	require.NoError(t, env.DecodeData(&decoded))
	assert.Equal(t, update, decoded)
}
