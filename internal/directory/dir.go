// Package directory maintains the hub's key directory: a mapping of node
// IDs to X25519 public keys.
//
// The hub seeds the directory with its own key at ID 0 and adds one entry
// per successful join. Registration is append-only; a second join with a
// known ID is rejected. Nothing here survives a restart.
package directory

import (
	"errors"
	"fmt"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
	"github.com/wavenet-mesh/wavenet/internal/protocol"
)

var (
	ErrDuplicateID = errors.New("directory: repeated ID")
	ErrUnknownID   = errors.New("directory: ID not found")
)

// Store is the backing map of a Directory. Put must fail with
// ErrDuplicateID when id is already present, and Get with ErrUnknownID
// when it is absent.
type Store interface {
	Put(id int64, key crypto.PublicKey) error
	Get(id int64) (crypto.PublicKey, error)
	Len() (int, error)
	IDs() ([]int64, error)
	Close() error
}

// Directory is the hub's view of the mesh membership.
type Directory struct {
	store Store
}

// New wraps store and registers hubKey under protocol.HubID.
func New(store Store, hubKey crypto.PublicKey) (*Directory, error) {
	if err := store.Put(protocol.HubID, hubKey); err != nil {
		return nil, fmt.Errorf("directory: seed hub key: %w", err)
	}
	return &Directory{store: store}, nil
}

// Register records key for id. It never replaces an existing entry.
func (d *Directory) Register(id int64, key crypto.PublicKey) error {
	if err := d.store.Put(id, key); err != nil {
		return fmt.Errorf("register %d: %w", id, err)
	}
	return nil
}

func (d *Directory) Lookup(id int64) (crypto.PublicKey, error) {
	key, err := d.store.Get(id)
	if err != nil {
		return key, fmt.Errorf("lookup %d: %w", id, err)
	}
	return key, nil
}

func (d *Directory) Contains(id int64) bool {
	_, err := d.store.Get(id)
	return err == nil
}

func (d *Directory) Len() int {
	n, _ := d.store.Len()
	return n
}

// IDs returns every registered ID in ascending order.
func (d *Directory) IDs() ([]int64, error) {
	return d.store.IDs()
}

func (d *Directory) Close() error {
	return d.store.Close()
}
