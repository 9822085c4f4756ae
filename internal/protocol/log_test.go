package protocol

import (
	"encoding/json"
	"testing"
)

func TestTargetKey(t *testing.T) {
	cases := []struct{ token, want string }{
		{"k1-secret", "k1"},
		{"k1-se-cret", "k1"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, c := range cases {
		if got := TargetKey(c.token); got != c.want {
			t.Fatalf("TargetKey(%q) = %q, want %q", c.token, got, c.want)
		}
	}
}

func TestTargetKeysDeduplicates(t *testing.T) {
	l := &Log{TransmissionTargets: []string{"k1-a", "k1-b", "k2-a"}}
	keys := l.TargetKeys()
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Fatalf("keys = %v, want [k1 k2]", keys)
	}
}

func TestFlagsNormalized(t *testing.T) {
	if FlagsDefault.Normalized() != FlagsNormal {
		t.Fatalf("default did not normalize to normal")
	}
	if (FlagsCritical | FlagsNormal).Normalized() != FlagsCritical {
		t.Fatalf("critical bit not dominant")
	}
}

func TestContainerWireShape(t *testing.T) {
	c := Container{Logs: []*Log{{Type: "event"}}}
	b, err := c.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["logs"]; !ok {
		t.Fatalf("container missing logs array: %s", b)
	}
}
