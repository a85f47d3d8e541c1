package airouter

import "sync"

// deadList tracks providers suspended for the rest of the process
// lifetime. Credential and configuration failures land here: retrying
// them cannot succeed until an operator fixes the entry, so the router
// stops offering them work.
type deadList struct {
	mu   sync.RWMutex
	dead map[string]*Error
}

func newDeadList() *deadList {
	return &deadList{dead: make(map[string]*Error)}
}

// mark suspends a provider. The first recorded error wins so the summary
// shows the original cause, not a repeat.
func (d *deadList) mark(provider string, err *Error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dead[provider]; !ok {
		d.dead[provider] = err
	}
}

func (d *deadList) contains(provider string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.dead[provider]
	return ok
}

func (d *deadList) get(provider string) (*Error, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	err, ok := d.dead[provider]
	return err, ok
}

// forget lifts a suspension. Called when a reload changes the provider's
// credential or model, since the recorded failure no longer applies.
func (d *deadList) forget(provider string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dead, provider)
}
