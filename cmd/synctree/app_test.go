package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/synctree"
)

func TestRootCommandFlags(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	flags := root.PersistentFlags()
	for _, name := range []string{"endpoint", "token", "auth-secret", "auth-subject", "timeout", "output", "websocket", "verbose"} {
		if flags.Lookup(name) == nil {
			t.Fatalf("expected persistent flag --%s", name)
		}
	}
	if flag := flags.ShorthandLookup("o"); flag == nil || flag.Name != "output" {
		t.Fatalf("expected -o shorthand for --output, got %#v", flag)
	}
	if flag := flags.ShorthandLookup("v"); flag == nil || flag.Name != "verbose" {
		t.Fatalf("expected -v shorthand for --verbose, got %#v", flag)
	}
	want := []string{"create", "delete", "get", "keys", "patch", "put", "sync", "version", "watch"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected subcommand %q", name)
		}
	}
}

func TestBoundJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "5", want: "5"},
		{in: "true", want: "true"},
		{in: `"b"`, want: `"b"`},
		{in: "gold", want: `"gold"`},
		{in: "  7  ", want: "7"},
	}
	for _, tc := range cases {
		got, err := boundJSON(tc.in)
		if err != nil {
			t.Fatalf("boundJSON(%q): %v", tc.in, err)
		}
		if string(got) != tc.want {
			t.Fatalf("boundJSON(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestFilterFlagsBuild(t *testing.T) {
	empty := &filterFlags{}
	f, err := empty.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil filter for zero flags, got %+v", f)
	}

	set := &filterFlags{orderBy: "balance", limitFirst: 2, startAt: "5", equalTo: "gold"}
	f, err = set.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if f == nil {
		t.Fatal("expected filter")
	}
	if f.OrderBy != "balance" || f.LimitToFirst != 2 {
		t.Fatalf("unexpected filter %+v", f)
	}
	if string(f.StartAt) != "5" {
		t.Fatalf("StartAt=%q want 5", f.StartAt)
	}
	if string(f.EqualTo) != `"gold"` {
		t.Fatalf("EqualTo=%q want %q", f.EqualTo, `"gold"`)
	}
}

func TestLoadPayloadInline(t *testing.T) {
	payload, err := loadPayload(`{"balance":10}`, "")
	if err != nil {
		t.Fatalf("loadPayload: %v", err)
	}
	if string(payload) != `{"balance":10}` {
		t.Fatalf("unexpected payload %q", payload)
	}
	if _, err := loadPayload(`{"balance":`, ""); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
	if _, err := loadPayload("", ""); err == nil {
		t.Fatal("expected error for missing payload")
	}
}

func TestLoadPayloadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := os.WriteFile(path, []byte("owner: alice\nbalance: 10\ntags:\n  tier: gold\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	payload, err := loadPayload("", path)
	if err != nil {
		t.Fatalf("loadPayload: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		t.Fatalf("unmarshal converted payload: %v", err)
	}
	if doc["owner"] != "alice" || doc["balance"] != float64(10) {
		t.Fatalf("unexpected document %+v", doc)
	}
	tags, ok := doc["tags"].(map[string]any)
	if !ok || tags["tier"] != "gold" {
		t.Fatalf("unexpected tags %+v", doc["tags"])
	}
}

func TestRenderValue(t *testing.T) {
	out, err := renderValue(json.RawMessage(`{"balance":10}`), outputJSON)
	if err != nil {
		t.Fatalf("renderValue json: %v", err)
	}
	if string(out) != "{\n  \"balance\": 10\n}\n" {
		t.Fatalf("unexpected json output %q", out)
	}
	out, err = renderValue(json.RawMessage(`{"balance":10}`), outputYAML)
	if err != nil {
		t.Fatalf("renderValue yaml: %v", err)
	}
	if !strings.Contains(string(out), "balance: 10") {
		t.Fatalf("unexpected yaml output %q", out)
	}
	out, err = renderValue(nil, outputJSON)
	if err != nil {
		t.Fatalf("renderValue nil: %v", err)
	}
	if strings.TrimSpace(string(out)) != "null" {
		t.Fatalf("expected null for empty payload, got %q", out)
	}
}

func TestYAMLToJSONKeys(t *testing.T) {
	in := map[any]any{1: "a", "b": []any{map[any]any{true: "c"}}}
	got, err := json.Marshal(yamlToJSON(in))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(got, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["1"] != "a" {
		t.Fatalf("expected numeric key to become %q, got %+v", "1", doc)
	}
}

func TestParseReloadStrategy(t *testing.T) {
	cases := []struct {
		in   string
		want synctree.ReloadStrategy
	}{
		{in: "", want: synctree.ReloadCompareValue},
		{in: "compare-value", want: synctree.ReloadCompareValue},
		{in: "compare_key", want: synctree.ReloadCompareKey},
		{in: "CLEAR", want: synctree.ReloadClear},
	}
	for _, tc := range cases {
		got, err := parseReloadStrategy(tc.in)
		if err != nil {
			t.Fatalf("parseReloadStrategy(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseReloadStrategy(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
	if _, err := parseReloadStrategy("bogus"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestDecodeKeys(t *testing.T) {
	keys, err := decodeKeys(json.RawMessage(`{"b":true,"a":{"x":1}}`))
	if err != nil {
		t.Fatalf("decodeKeys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("unexpected keys %v", keys)
	}
	keys, err = decodeKeys(json.RawMessage("null"))
	if err != nil || keys != nil {
		t.Fatalf("expected no keys for null, got %v (%v)", keys, err)
	}
	if _, err := decodeKeys(json.RawMessage("5")); err == nil {
		t.Fatal("expected error for scalar node")
	}
}
