package querycache

// Predicate selects keys for Invalidate and Evict.
type Predicate func(Key) bool

// Exact matches one key.
func Exact(k Key) Predicate {
	return func(other Key) bool { return other == k }
}

// KindIs matches every key of the given kinds.
func KindIs(kinds ...string) Predicate {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(k Key) bool {
		_, ok := set[k.Kind]
		return ok
	}
}

// ForEntity matches every variant cached for one entity.
func ForEntity(kind, id string) Predicate {
	return func(k Key) bool { return k.Kind == kind && k.ID == id }
}

// ScopedTo matches keys owned by user.
func ScopedTo(user string) Predicate {
	return func(k Key) bool { return k.Scope == user }
}

// UserScoped matches every per-user key regardless of owner.
func UserScoped() Predicate {
	return func(k Key) bool { return k.UserScoped() }
}

func All() Predicate {
	return func(Key) bool { return true }
}

func Or(preds ...Predicate) Predicate {
	return func(k Key) bool {
		for _, p := range preds {
			if p(k) {
				return true
			}
		}
		return false
	}
}

func And(preds ...Predicate) Predicate {
	return func(k Key) bool {
		for _, p := range preds {
			if !p(k) {
				return false
			}
		}
		return true
	}
}
