package outbox

import (
	"sync"

	"github.com/angelmondragon/stockflow/pkg/txmsg"
)

// ReconcilerRegistry maps topics to the check-back handler that resolves their half messages.
type ReconcilerRegistry struct {
	mtx      sync.RWMutex
	registry map[string]txmsg.Reconciler
}

func NewReconcilerRegistry() *ReconcilerRegistry {
	return &ReconcilerRegistry{registry: make(map[string]txmsg.Reconciler)}
}

func (r *ReconcilerRegistry) Register(topic string, reconcile txmsg.Reconciler) {
	if reconcile == nil {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registry[topic] = reconcile
}

func (r *ReconcilerRegistry) Lookup(topic string) (txmsg.Reconciler, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	reconcile, ok := r.registry[topic]
	return reconcile, ok
}
