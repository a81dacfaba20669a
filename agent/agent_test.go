package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/client"
	"collabtext/protocol"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
}

// fakeStore answers the document protocol for any document from one shared
// content and history.
type fakeStore struct {
	mu      sync.Mutex
	content string
	ops     []protocol.Operation
}

func (s *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.DocumentMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		if reply := s.reply(&msg); reply != nil {
			if err := ws.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (s *fakeStore) reply(msg *protocol.DocumentMessage) *protocol.DocumentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &protocol.DocumentMessage{Collection: msg.Collection, DocID: msg.DocID}
	switch msg.Type {
	case protocol.TypeFetch:
		out.Type = protocol.TypeFetchResponse
		out.Content = protocol.Text(s.content)
		out.Version = protocol.Int(len(s.ops))
	case protocol.TypeSubscribe:
		out.Type = protocol.TypeSubscribed
	case protocol.TypeOp:
		op := *msg.Operation
		out.OpID = op.ID
		if op.Version != len(s.ops) {
			out.Type = protocol.TypeOpError
			out.Error = "version conflict - operation not applied"
			return out
		}
		op.Version += 1
		s.content = protocol.Apply(s.content, op)
		s.ops = append(s.ops, op)
		out.Type = protocol.TypeOpAck
		out.Version = protocol.Int(op.Version)
	case protocol.TypeHistory:
		from := msg.FromVersionValue()
		out.Type = protocol.TypeHistoryResponse
		out.FromVersion = protocol.Int(from)
		if from < len(s.ops) {
			out.Operations = append([]protocol.Operation(nil), s.ops[from:]...)
		}
	default:
		return nil
	}
	return out
}

func (s *fakeStore) state() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, len(s.ops)
}

type agentFixture struct {
	store   *fakeStore
	server  *httptest.Server
	session uuid.UUID
	outbox  string
}

func newAgentFixture(t *testing.T) *agentFixture {
	s := &fakeStore{}
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return &agentFixture{
		store:   s,
		server:  ts,
		session: uuid.New(),
		outbox:  filepath.Join(t.TempDir(), "outbox.db"),
	}
}

func (f *agentFixture) run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	c := Command()
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(append(args,
		"--addr", f.server.URL,
		"--session", f.session.String(),
		"--outbox", f.outbox,
		"--timeout", "5s",
	))
	err := c.Execute()
	return out.String(), err
}

func TestParseFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	_, err := ParseFlags(flags)
	assert.ErrorIs(t, err, errMissingSession)

	session := uuid.New()
	require.NoError(t, flags.Parse([]string{"--session", session.String(), "--user", "alice"}))
	config, err := ParseFlags(flags)
	require.NoError(t, err)
	assert.Equal(t, session, config.Session)
	assert.Equal(t, "alice", config.User)
	assert.Equal(t, "code", config.Collection)
	assert.Equal(t, session.String(), config.DocID)

	flags = pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(flags)
	require.NoError(t, flags.Parse([]string{"--session", "not-a-uuid"}))
	_, err = ParseFlags(flags)
	assert.Error(t, err)
}

func TestInsertAndDelete(t *testing.T) {
	f := newAgentFixture(t)

	out, err := f.run(t, "insert", "0", "hello")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", out)

	out, err = f.run(t, "delete", "0")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", out)

	content, version := f.store.state()
	assert.Equal(t, "ello", content)
	assert.Equal(t, 2, version)
}

func TestInvalidPosition(t *testing.T) {
	f := newAgentFixture(t)

	_, err := f.run(t, "insert", "-1", "x")
	assert.Error(t, err)
	_, version := f.store.state()
	assert.Equal(t, 0, version)
}

func TestOutboxResubmitted(t *testing.T) {
	f := newAgentFixture(t)

	outbox, err := client.OpenOutbox(f.outbox)
	require.NoError(t, err)
	key := protocol.Key("code", f.session.String())
	require.NoError(t, outbox.Save(key, []protocol.Operation{protocol.NewInsert(0, "hi")}))
	require.NoError(t, outbox.Close())

	out, err := f.run(t, "insert", "2", "!")
	require.NoError(t, err)
	assert.Equal(t, "v2\n", out)

	content, _ := f.store.state()
	assert.Equal(t, "hi!", content)

	outbox, err = client.OpenOutbox(f.outbox)
	require.NoError(t, err)
	defer outbox.Close()
	left, err := outbox.Load(key)
	require.NoError(t, err)
	assert.Empty(t, left)
}

// The earlier agent quit after the store applied its first operation but
// before the ack arrived.
func TestOutboxSkipsAppliedOperations(t *testing.T) {
	f := newAgentFixture(t)
	applied := protocol.NewInsert(0, "hi")
	applied.ID = "op-1"
	stored := applied
	stored.Version = 1
	f.store.content = "hi"
	f.store.ops = []protocol.Operation{stored}

	outbox, err := client.OpenOutbox(f.outbox)
	require.NoError(t, err)
	key := protocol.Key("code", f.session.String())
	require.NoError(t, outbox.Save(key, []protocol.Operation{applied, protocol.NewInsert(2, "!")}))
	require.NoError(t, outbox.Close())

	out, err := f.run(t, "insert", "3", "?")
	require.NoError(t, err)
	assert.Equal(t, "v3\n", out)

	content, version := f.store.state()
	assert.Equal(t, "hi!?", content)
	assert.Equal(t, 3, version)
}

func TestHistory(t *testing.T) {
	f := newAgentFixture(t)
	for _, text := range []string{"a", "b"} {
		_, err := f.run(t, "insert", "0", text)
		require.NoError(t, err)
	}

	out, err := f.run(t, "history", "--from", "1")
	require.NoError(t, err)
	assert.Equal(t, "v2 insert@0(v2,\"b\")\n", out)
}

func TestMissingSession(t *testing.T) {
	c := Command()
	c.SetOut(&bytes.Buffer{})
	c.SetErr(&bytes.Buffer{})
	c.SetArgs([]string{"insert", "0", "x", "--addr", "http://127.0.0.1:1"})
	assert.ErrorIs(t, c.Execute(), errMissingSession)
}
