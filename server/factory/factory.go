// Package factory derives and lazily deploys the minimal per-task execution
// environment ("shim") that embeds a task's payload. Addresses are
// deterministic in (owner, nonce, implementation) salted with a per-deployer
// base value, so callers can compute a task's identity before scheduling it.
// Deployment is idempotent: if a record already exists at the derived
// address, the existing one is returned and nothing is redeployed.
//
// Environments are invoked only through Invoke, which is reachable solely
// from the executor; there is no public path into a shim's payload.
package factory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/blocksched/blocksched/server/interfaces"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/taskid"
	"github.com/blocksched/blocksched/server/util/status"
	"github.com/cockroachdb/pebble"
)

type Factory struct {
	store    *storage.Store
	baseSalt [32]byte
	impls    map[taskid.Address]interfaces.TaskImplementation
}

func New(store *storage.Store, baseSalt [32]byte) *Factory {
	return &Factory{
		store:    store,
		baseSalt: baseSalt,
		impls:    make(map[taskid.Address]interfaces.TaskImplementation),
	}
}

// RegisterImplementation makes a task implementation available at the given
// address. Registration is code wiring, not data: it happens at process
// startup, before any invocation runs.
func (f *Factory) RegisterImplementation(addr taskid.Address, impl interfaces.TaskImplementation) {
	f.impls[addr] = impl
}

// HasImplementation reports whether an implementation is registered at addr.
func (f *Factory) HasImplementation(addr taskid.Address) bool {
	_, ok := f.impls[addr]
	return ok
}

// DeriveAddress computes the deterministic environment address for
// (owner, nonce, implementation). sha256 keeps derived identities
// collision-resistant; the leading 20 digest bytes form the address.
func (f *Factory) DeriveAddress(owner taskid.Address, nonce uint64, impl taskid.Address) taskid.Address {
	h := sha256.New()
	h.Write(f.baseSalt[:])
	h.Write(owner[:])
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], nonce)
	h.Write(nb[:])
	h.Write(impl[:])
	var addr taskid.Address
	copy(addr[:], h.Sum(nil)[:taskid.AddressSize])
	return addr
}

// GetOrCreate returns the environment address for the identity, staging a
// deployment into the batch only if no record exists yet. The second return
// reports whether a deployment was staged.
func (f *Factory) GetOrCreate(batch *pebble.Batch, owner taskid.Address, nonce uint64, impl taskid.Address, payload []byte) (taskid.Address, bool, error) {
	if !f.HasImplementation(impl) {
		return taskid.Address{}, false, status.InvalidArgumentErrorf("no task implementation registered at %s", impl.Hex())
	}
	addr := f.DeriveAddress(owner, nonce, impl)
	_, found, err := f.store.GetEnvironment(addr)
	if err != nil {
		return taskid.Address{}, false, err
	}
	if found {
		return addr, false, nil
	}
	rec := &storage.EnvironmentRecord{
		Owner:          owner,
		Nonce:          nonce,
		Implementation: impl,
		Payload:        payload,
	}
	if err := f.store.SetEnvironment(batch, addr, rec); err != nil {
		return taskid.Address{}, false, err
	}
	return addr, true, nil
}

// Invoke runs the environment's implementation against its embedded payload.
// An unknown environment or a missing implementation is an error for the
// caller to classify; the implementation's own failure is returned as-is.
func (f *Factory) Invoke(ctx context.Context, env taskid.Address, inv *interfaces.TaskInvocation) error {
	rec, found, err := f.store.GetEnvironment(env)
	if err != nil {
		return err
	}
	if !found {
		return status.NotFoundErrorf("no environment deployed at %s", env.Hex())
	}
	impl, ok := f.impls[rec.Implementation]
	if !ok {
		return status.FailedPreconditionErrorf("environment %s references unregistered implementation %s", env.Hex(), rec.Implementation.Hex())
	}
	inv.Env = env
	inv.Owner = rec.Owner
	inv.Payload = rec.Payload
	return impl.Run(ctx, inv)
}
