package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to spawned processes.
type Env struct {
	Var Var // global overrides applied to every process (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithBase replaces the cached base environment. Entries without '=' or with an
// empty key are skipped.
func (e *Env) WithBase(kvs []string) *Env {
	e.env = parse(kvs)
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc overrides.
// Values are passed verbatim. The result is sorted by key.
// Merge only reads e, so concurrent calls are safe once setup is done.
func (e *Env) Merge(perProc map[string]string) []string {
	base := e.env
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.Var)+len(perProc))
	for k, v := range base {
		m[k] = v
	}
	for _, layer := range []Var{e.Var, perProc} {
		for k, v := range layer {
			if k == "" || strings.ContainsRune(k, '=') {
				continue
			}
			m[k] = v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func parse(kvs []string) Var {
	base := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	return base
}
