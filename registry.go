package beam

import (
	"runtime"
	"sync"
	"weak"

	"github.com/outofforest/beam/wire"
)

// registry holds the three identifier tables of one session side: a strong
// table of server skeletons, a weak table of stubs for remote objects, and
// a strong table of type descriptors with per-type use counters.
type registry struct {
	mu sync.Mutex

	skeletons  map[wire.Identifier]*skeleton
	byObject   map[any]wire.Identifier
	stubs      map[wire.Identifier]*stubEntry
	types      map[wire.Identifier]*typeEntry
	typesByName map[string]*Type
}

type stubEntry struct {
	ptr     weak.Pointer[Stub]
	version uint32
}

type typeEntry struct {
	typ   *Type
	count int

	// sent records that the description crossed the wire on this session.
	sent bool
	// pinned types were registered explicitly and survive a zero count.
	pinned bool
}

func newRegistry() *registry {
	return &registry{
		skeletons:   map[wire.Identifier]*skeleton{},
		byObject:    map[any]wire.Identifier{},
		stubs:       map[wire.Identifier]*stubEntry{},
		types:       map[wire.Identifier]*typeEntry{},
		typesByName: map[string]*Type{},
	}
}

// identifySkeleton interns an exported object, assigning a fresh identifier
// on first sight and binding a skeleton to it. The same object always maps
// to the same identifier.
func (r *registry) identifySkeleton(s *Session, obj any, typ *Type) *skeleton {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byObject[obj]; ok {
		if sk := r.skeletons[id]; sk != nil {
			return sk
		}
	}

	sk := newSkeleton(s, wire.NewIdentifier(), typ, obj)
	r.skeletons[sk.id] = sk
	r.byObject[obj] = sk.id
	r.refTypeLocked(typ)
	return sk
}

// registerSkeleton binds a skeleton under a caller-chosen identifier, used
// when the peer assigned the identifier optimistically during a batched
// call. The existing binding wins if there is one.
func (r *registry) registerSkeleton(sk *skeleton) *skeleton {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.skeletons[sk.id]; existing != nil {
		return existing
	}
	r.skeletons[sk.id] = sk
	if _, ok := r.byObject[sk.target]; !ok {
		r.byObject[sk.target] = sk.id
	}
	r.refTypeLocked(sk.typ)
	return sk
}

// skeletonFor looks up without creating.
func (r *registry) skeletonFor(id wire.Identifier) *skeleton {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skeletons[id]
}

// removeSkeleton unexports a skeleton and decrements its type's counter.
// When the counter returns to zero the type mapping is evicted, so future
// first-uses send the description again.
func (r *registry) removeSkeleton(id wire.Identifier) *skeleton {
	r.mu.Lock()
	defer r.mu.Unlock()

	sk := r.skeletons[id]
	if sk == nil {
		return nil
	}
	delete(r.skeletons, id)
	if cur, ok := r.byObject[sk.target]; ok && cur == id {
		delete(r.byObject, sk.target)
	}
	r.unrefTypeLocked(sk.typ.ID())
	return sk
}

// allSkeletons drains the skeleton table.
func (r *registry) allSkeletons() []*skeleton {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*skeleton, 0, len(r.skeletons))
	for _, sk := range r.skeletons {
		all = append(all, sk)
	}
	r.skeletons = map[wire.Identifier]*skeleton{}
	r.byObject = map[any]wire.Identifier{}
	return all
}

func (r *registry) skeletonCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.skeletons)
}

// registerStub associates a stub with an identifier. Concurrent
// deserializations converge: the first live registration wins and all
// callers receive the winner. The entry is weak; collection of the stub is
// observed by the session's reclamation task via the cleanup hook.
func (r *registry) registerStub(s *Session, id wire.Identifier, version uint32, stub *Stub) *Stub {
	r.mu.Lock()

	if entry, ok := r.stubs[id]; ok {
		if existing := entry.ptr.Value(); existing != nil && entry.version == version {
			r.mu.Unlock()
			return existing
		}
	}

	r.stubs[id] = &stubEntry{ptr: weak.Make(stub), version: version}
	r.mu.Unlock()

	runtime.AddCleanup(stub, s.stubCollected, id)
	return stub
}

// stubFor looks up a live stub without creating one.
func (r *registry) stubFor(id wire.Identifier) *Stub {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.stubs[id]
	if !ok {
		return nil
	}
	return entry.ptr.Value()
}

// dropStub removes a collected stub's entry, unless the identifier was
// re-bound to a live stub in the meantime.
func (r *registry) dropStub(id wire.Identifier) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.stubs[id]
	if !ok {
		return false
	}
	if entry.ptr.Value() != nil {
		return false
	}
	delete(r.stubs, id)
	return true
}

// removeStubEntry drops a stub's entry regardless of liveness, used by
// proactive disposal.
func (r *registry) removeStubEntry(id wire.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stubs, id)
}

// registerType makes a type available for dispatch and stub creation.
func (r *registry) registerType(typ *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := typ.ID()
	if entry, ok := r.types[id]; ok {
		entry.pinned = true
		if entry.typ.Dispatch == nil && typ.Dispatch != nil {
			entry.typ = typ
		}
	} else {
		r.types[id] = &typeEntry{typ: typ, pinned: true}
	}
	r.typesByName[typ.Info.Name] = typ
}

// typeFor returns the registered type descriptor for a type identifier.
func (r *registry) typeFor(id wire.Identifier) *Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.types[id]; ok {
		return entry.typ
	}
	return nil
}

// typeByName returns the registered type descriptor for an interface name.
func (r *registry) typeByName(name string) *Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typesByName[name]
}

// updateRemoteVersion records the peer's latest binding version for an
// identifier. A change means the peer re-bound the identifier: the cached
// stub is invalidated so the next resolution builds a fresh one.
func (r *registry) updateRemoteVersion(id wire.Identifier, version uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.stubs[id]
	if !ok || entry.version == version {
		return false
	}
	delete(r.stubs, id)
	return true
}

// shouldSendInfo reports whether the type description still has to cross
// the wire, marking it sent.
func (r *registry) shouldSendInfo(typ *Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := typ.ID()
	entry, ok := r.types[id]
	if !ok {
		entry = &typeEntry{typ: typ}
		r.types[id] = entry
		r.typesByName[typ.Info.Name] = typ
	}
	if entry.sent {
		return false
	}
	entry.sent = true
	return true
}

func (r *registry) refTypeLocked(typ *Type) {
	id := typ.ID()
	entry, ok := r.types[id]
	if !ok {
		entry = &typeEntry{typ: typ}
		r.types[id] = entry
		r.typesByName[typ.Info.Name] = typ
	}
	entry.count++
}

func (r *registry) unrefTypeLocked(id wire.Identifier) {
	entry, ok := r.types[id]
	if !ok {
		return
	}
	entry.count--
	if entry.count <= 0 {
		entry.count = 0
		entry.sent = false
		if !entry.pinned {
			delete(r.types, id)
			delete(r.typesByName, entry.typ.Info.Name)
		}
	}
}

// unrefType is the locking variant of unrefTypeLocked. Disposal handling
// goes through removeSkeleton, which decrements the counter itself.
func (r *registry) unrefType(id wire.Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unrefTypeLocked(id)
}
