package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)}).With(slog.String("component", "test"))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "PUT", Path: "/stream"})
	ctx = WithStreamData(ctx, &StreamData{Fingerprint: Fingerprint("secret"), Mode: "single"})
	ctx = WithOperationData(ctx, &OperationData{ID: "op", Type: "subscription"})
	log.InfoContext(ctx, "stream.register.ok")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	for _, group := range []string{"req", "stream", "op"} {
		if _, ok := rec[group].(map[string]any); !ok {
			t.Fatalf("record missing %q group: %s", group, buf.String())
		}
	}
	if want, got := "test", rec["component"]; want != got {
		t.Fatalf("component attr: want %v got %v", want, got)
	}
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("raw token leaked into log: %s", buf.String())
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("") != "" {
		t.Fatalf("empty token should have empty fingerprint")
	}
	if want, got := 12, len(Fingerprint("abc")); want != got {
		t.Fatalf("fingerprint length: want %d got %d", want, got)
	}
	if Fingerprint("abc") != Fingerprint("abc") {
		t.Fatalf("fingerprint not stable")
	}
}
