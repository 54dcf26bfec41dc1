// Package env composes the environment handed to launched processes.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables: the inherited OS environment (optional), then
// globals, then per-process values.
type Env struct {
	globals   Var
	inheritOS bool
	base      Var
}

// New returns an Env; when inheritOS is set the current process environment
// forms the bottom layer.
func New(inheritOS bool) *Env {
	e := &Env{globals: make(Var), inheritOS: inheritOS}
	if inheritOS {
		e.base = fromOS()
	}
	return e
}

func fromOS() Var {
	base := make(Var)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		base[k] = v
	}
	return base
}

// WithSet returns a copy of e with k=v added to the globals.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{globals: make(Var, len(e.globals)+1), inheritOS: e.inheritOS, base: e.base}
	for gk, gv := range e.globals {
		c.globals[gk] = gv
	}
	if k != "" {
		c.globals[k] = v
	}
	return c
}

// Compose returns the "K=V" list for a process with the given variables,
// sorted by key. ${VAR} references are expanded once against the composed
// map; unknown references are left as written.
func (e *Env) Compose(perProc map[string]string) []string {
	m := make(Var, len(e.base)+len(e.globals)+len(perProc))
	for _, layer := range []Var{e.base, e.globals, perProc} {
		for k, v := range layer {
			if k == "" {
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
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var sb strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		sb.WriteString(s[:i])
		if v, ok := m[name]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	sb.WriteString(s)
	return sb.String()
}
