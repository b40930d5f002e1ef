package tracker

import "github.com/tweag/resourcetracker/resource"

// DownloadListener is notified of the three externally interesting
// transitions a Resource makes, per spec.md §4.5. Implementations must
// not block; Tracker dispatches them synchronously, snapshotted and
// outside every lock.
type DownloadListener interface {
	UpdateStarted(r *resource.Resource)
	DownloadStarted(r *resource.Resource)
	DownloadCompleted(r *resource.Resource, success bool)
}

func (t *Tracker) AddDownloadListener(l DownloadListener) {
	t.listenersMu.Lock()
	t.listeners[l] = struct{}{}
	t.listenersMu.Unlock()
}

func (t *Tracker) RemoveDownloadListener(l DownloadListener) {
	t.listenersMu.Lock()
	delete(t.listeners, l)
	t.listenersMu.Unlock()
}

// ResourceChanged implements resource.Watcher. It is always invoked
// with no lock held (resource.Resource guarantees this), so taking
// listenersMu here never risks a lock-order violation.
func (t *Tracker) ResourceChanged(r *resource.Resource, newState resource.State) {
	t.mu.Lock()
	_, tracked := t.resources[r.Identity]
	t.mu.Unlock()
	if !tracked {
		return
	}

	t.listenersMu.Lock()
	snapshot := make([]DownloadListener, 0, len(t.listeners))
	for l := range t.listeners {
		snapshot = append(snapshot, l)
	}
	t.listenersMu.Unlock()

	switch {
	case newState.HasAny(resource.StateDownloaded | resource.StateError):
		success := newState.Has(resource.StateDownloaded)
		for _, l := range snapshot {
			l.DownloadCompleted(r, success)
		}
	case newState.Has(resource.StateDownloading):
		for _, l := range snapshot {
			l.DownloadStarted(r)
		}
	case newState.Has(resource.StateConnecting):
		for _, l := range snapshot {
			l.UpdateStarted(r)
		}
	}
}
