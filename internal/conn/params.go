package conn

import (
	"fmt"
	"strings"
)

// Params is an ordered keyword/value connection parameter list. Order is
// preserved so a conninfo string rebuilt from a parsed one is deterministic.
type Params struct {
	keys   []string
	values map[string]string
}

// NewParams returns an empty parameter list.
func NewParams() *Params {
	return &Params{values: make(map[string]string)}
}

// ParseConninfo parses a keyword/value conninfo string ("host=node1
// dbname=repmgr ...") into a parameter list. Values may be single-quoted;
// a doubled quote or backslash-quote inside a quoted value escapes it.
func ParseConninfo(conninfo string) (*Params, error) {
	p := NewParams()
	s := strings.TrimSpace(conninfo)

	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed conninfo near %q", s)
		}
		key := strings.TrimSpace(s[:eq])
		s = strings.TrimLeft(s[eq+1:], " \t")

		var value string
		if strings.HasPrefix(s, "'") {
			var b strings.Builder
			i := 1
			closed := false
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					b.WriteByte(s[i+1])
					i += 2
					continue
				}
				if c == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					closed = true
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
			value = b.String()
			s = s[i:]
		} else {
			end := strings.IndexAny(s, " \t")
			if end == -1 {
				value = s
				s = ""
			} else {
				value = s[:end]
				s = s[end:]
			}
		}
		p.Set(key, value)
		s = strings.TrimLeft(s, " \t")
	}
	return p, nil
}

// Get returns the value for key and whether it is present.
func (p *Params) Get(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Set stores key=value, appending the key on first use so iteration order
// matches insertion order.
func (p *Params) Set(key, value string) {
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Delete removes a key if present.
func (p *Params) Delete(key string) {
	if _, exists := p.values[key]; !exists {
		return
	}
	delete(p.values, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
}

// Clone returns an independent copy.
func (p *Params) Clone() *Params {
	c := NewParams()
	for _, k := range p.keys {
		c.Set(k, p.values[k])
	}
	return c
}

// Keys returns the keys in insertion order.
func (p *Params) Keys() []string {
	return append([]string(nil), p.keys...)
}

// String reassembles the list into a conninfo string. Values containing
// spaces or quotes are single-quoted with escaping; empty values are quoted.
func (p *Params) String() string {
	var b strings.Builder
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteValue(p.values[k]))
	}
	return b.String()
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t'\\") {
		return v
	}
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('\'')
	return b.String()
}
