package state

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/karstchain/karst/pkg/journal"
	"github.com/karstchain/karst/pkg/storage"
)

const viewCacheSize = 256

// View is a read-only view of the snapshot at a single merkle root.
type View struct {
	db   storage.DB
	root string
}

// Get returns the value at address, or journal.ErrAddressNotFound.
func (v *View) Get(address string) ([]byte, error) {
	value, err := v.db.Get(entryKey(v.root, address))
	if err == storage.ErrNotFound {
		return nil, journal.ErrAddressNotFound
	}
	return value, err
}

// ViewFactory creates read-only state views by merkle root. Views are
// immutable, so resolved views are kept in an LRU cache.
type ViewFactory struct {
	store *Store
	views *lru.Cache[string, *View]
}

// NewViewFactory creates a view factory over the given state store.
func NewViewFactory(store *Store) (*ViewFactory, error) {
	views, err := lru.New[string, *View](viewCacheSize)
	if err != nil {
		return nil, err
	}
	return &ViewFactory{store: store, views: views}, nil
}

// CreateView returns a view of the snapshot at root.
func (f *ViewFactory) CreateView(root string) (journal.StateView, error) {
	if view, ok := f.views.Get(root); ok {
		return view, nil
	}

	ok, err := f.store.HasRoot(root)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("unknown state root %s", root)
	}

	view := &View{db: f.store.db, root: root}
	f.views.Add(root, view)
	return view, nil
}
