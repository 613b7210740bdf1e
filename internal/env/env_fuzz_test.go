package env

import (
	"strings"
	"testing"
)

// FuzzMerge fuzzes Merge with random inputs to ensure no panics and that every
// produced pair is well formed.
func FuzzMerge(f *testing.F) {
	// seeds (packed as bytes; newline-separated)
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=baz"))
	f.Add([]byte("=novalue\nX"), []byte("Y=a=b"))

	f.Fuzz(func(t *testing.T, globalB []byte, perB []byte) {
		global := splitNZ(string(globalB))
		per := splitNZ(string(perB))
		if len(global) > 20 {
			global = global[:20]
		}
		if len(per) > 20 {
			per = per[:20]
		}

		e := New().WithBase(nil)
		for _, kv := range global {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				e.Set(kv[:i], kv[i+1:])
			}
		}
		pm := map[string]string{}
		for _, kv := range per {
			if k, v, ok := strings.Cut(kv, "="); ok {
				pm[k] = v
			}
		}
		out := e.Merge(pm)
		for _, kv := range out {
			if !strings.Contains(kv, "=") {
				t.Fatalf("bad pair: %q", kv)
			}
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
		for k, v := range pm {
			if k == "" {
				continue
			}
			if !contains(out, k+"="+v) {
				t.Fatalf("per-process value %q=%q missing from %v", k, v, out)
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
