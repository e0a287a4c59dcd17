// Package envelope gives the routing layer write access to the metadata of
// message envelopes. Code outside this module only sees copies.
package envelope

import "sync"

var (
	once   sync.Once
	access func(env any) map[string]string
)

// Install sets the function that reaches an envelope's metadata map. Package
// message installs it on init; later calls are ignored.
func Install(f func(env any) map[string]string) {
	once.Do(func() { access = f })
}

// Editor edits the metadata of one envelope in place.
type Editor struct {
	meta map[string]string
}

// Edit returns an editor for env, a *message.NetworkRequest or
// *message.NetworkResponse.
func Edit(env any) *Editor {
	return &Editor{meta: access(env)}
}

func (e *Editor) Get(key string) string {
	return e.meta[key]
}

func (e *Editor) Set(key, value string) *Editor {
	e.meta[key] = value
	return e
}

func (e *Editor) Delete(key string) *Editor {
	delete(e.meta, key)
	return e
}
