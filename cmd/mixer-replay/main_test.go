package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/solanon/mixer/internal/address"
	"github.com/solanon/mixer/internal/events"
)

func withdrawalPayload(t *testing.T) []byte {
	t.Helper()
	var ledger address.Address
	ledger[0] = 0x42
	b, err := json.Marshal(events.NewWithdrawal(ledger, [32]byte{1}, [32]byte{2}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestLoadPayloads_File(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	payloadPath := filepath.Join(tmpDir, "event.json")
	if err := os.WriteFile(payloadPath, []byte(`{"version":"v2"}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	payloads, err := loadPayloads("", []string{payloadPath}, nil)
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 1 || string(payloads[0]) != `{"version":"v2"}` {
		t.Fatalf("payload mismatch: %q", payloads)
	}
}

func TestLoadPayloads_StdinLines(t *testing.T) {
	t.Parallel()

	payloads, err := loadPayloads("", nil, bytes.NewBufferString("{\"a\":1}\n\n  {\"b\":2}\n"))
	if err != nil {
		t.Fatalf("loadPayloads: %v", err)
	}
	if len(payloads) != 2 || string(payloads[1]) != `{"b":2}` {
		t.Fatalf("payload mismatch: %q", payloads)
	}

	if _, err := loadPayloads("", nil, bytes.NewBufferString(" \n\t")); err == nil {
		t.Fatalf("expected error for empty stdin")
	}
}

func TestRunMain_StdioRepublishesToVersionTopic(t *testing.T) {
	t.Parallel()

	raw := withdrawalPayload(t)
	var out, errOut bytes.Buffer
	err := runMain(
		[]string{
			"--queue-driver", "stdio",
			"--withdrawal-topic", "replay.withdrawals",
			"--skip-invalid",
		},
		bytes.NewBufferString(string(raw)+"\n{\"version\":\"other\"}\n"),
		&out,
		&errOut,
	)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	var env struct {
		Topic string          `json:"topic"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &env); err != nil {
		t.Fatalf("decode stdout %q: %v", out.String(), err)
	}
	if env.Topic != "replay.withdrawals" {
		t.Fatalf("topic: got %q", env.Topic)
	}
	var got events.Withdrawal
	if err := json.Unmarshal(env.Value, &got); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if got.Version != events.VersionWithdrawal {
		t.Fatalf("unexpected value: %+v", got)
	}
	if !strings.Contains(errOut.String(), "skip payload 1") {
		t.Fatalf("expected skip report, got %q", errOut.String())
	}
}

func TestRunMain_InvalidStopsWithoutSkip(t *testing.T) {
	t.Parallel()

	err := runMain(
		[]string{"--queue-driver", "stdio", "--payload", `{"version":"other"}`},
		nil,
		&bytes.Buffer{},
		&bytes.Buffer{},
	)
	if err == nil {
		t.Fatalf("expected error for non-mixer payload")
	}
}
