package protocol_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"vexa.gg/parkour/internal/parkour/run"
	"vexa.gg/parkour/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip turns a Go message into the generic form the validator expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	hello := compile(t, "hello.schema.json")
	welcome := compile(t, "welcome.schema.json")
	request := compile(t, "request.schema.json")
	result := compile(t, "result.schema.json")

	cp := 2
	samples := []struct {
		schema *jsonschema.Schema
		msg    any
	}{
		{hello, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version,
			PlayerID: "123e4567-e89b-12d3-a456-426614174000", Name: "Steve"}},
		{welcome, protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version,
			PlayerID: "123e4567-e89b-12d3-a456-426614174000", Name: "Steve", Rank: "Iron",
			CatalogVersion: 1, PageSize: 50}},
		{request, protocol.RequestMsg{Type: protocol.TypeStartRun, ProtocolVersion: protocol.Version, ReqID: "r1", MapID: "A"}},
		{request, protocol.RequestMsg{Type: protocol.TypeCheckpoint, ProtocolVersion: protocol.Version, ReqID: "r2", Checkpoint: &cp}},
		{request, protocol.RequestMsg{Type: protocol.TypeMedalBoard, ProtocolVersion: protocol.Version, ReqID: "r3", Page: 1, Query: "al"}},
		{result, protocol.NewResult("r1", protocol.TypeFinish, map[string]any{"elapsed_ms": 4000})},
		{result, protocol.NewFailure("r2", protocol.TypeStartRun, run.ErrMapInactive)},
		{result, protocol.NewFailure("r3", protocol.TypeFinish, errors.New("boom"))},
	}
	for i, s := range samples {
		if err := s.schema.Validate(roundTrip(t, s.msg)); err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
	}
}

func TestSchemas_RejectBadRequests(t *testing.T) {
	request := compile(t, "request.schema.json")
	bad := []string{
		`{"type":"START_RUN","protocol_version":"1.0","req_id":"r1"}`,
		`{"type":"CHECKPOINT","protocol_version":"1.0","req_id":"r1"}`,
		`{"type":"TELEPORT","protocol_version":"1.0","req_id":"r1"}`,
		`{"type":"FINISH","protocol_version":"1.0","req_id":""}`,
	}
	for _, raw := range bad {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := request.Validate(v); err == nil {
			t.Fatalf("expected %s to be rejected", raw)
		}
	}
}
