// Package registry holds the process-wide service table.
//
// A Registry is built once before serving starts and is never written again,
// so concurrent lookups need no locking.
package registry

import (
	"sort"

	"go.uber.org/zap"

	"github.com/fabian4/pathmux/internal/model"
)

type Registry struct {
	byName  map[string]model.Service
	ordered []model.Service // definition order
}

// New builds the table from entries in definition order. The first entry for
// a name wins; later duplicates, block-listed names, invalid names and the
// reserved names are dropped and logged.
func New(entries []model.Service, logger *zap.Logger, reserved ...string) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{byName: make(map[string]model.Service, len(entries))}
	for _, e := range entries {
		switch {
		case !model.ValidName(e.Name):
			logger.Warn("ignoring service with invalid name", zap.String("service", e.Name))
			continue
		case model.IsBlocked(e.Name):
			logger.Warn("ignoring block-listed service", zap.String("service", e.Name))
			continue
		case isReserved(e.Name, reserved):
			logger.Warn("ignoring service with reserved name", zap.String("service", e.Name))
			continue
		}
		if prev, dup := r.byName[e.Name]; dup {
			logger.Warn("duplicate service definition, keeping first",
				zap.String("service", e.Name),
				zap.String("kept", prev.Target()),
				zap.String("kept_source", prev.Source),
				zap.String("ignored", e.Target()),
				zap.String("ignored_source", e.Source),
			)
			continue
		}
		r.byName[e.Name] = e
		r.ordered = append(r.ordered, e)
	}
	return r
}

// Resolve returns the entry for name.
func (r *Registry) Resolve(name string) (model.Service, bool) {
	s, ok := r.byName[name]
	return s, ok
}

func (r *Registry) Len() int { return len(r.ordered) }

// All returns every entry in definition order.
func (r *Registry) All() []model.Service {
	out := make([]model.Service, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Visible returns non-hidden entries sorted by rank, then name.
func (r *Registry) Visible() []model.Service {
	out := make([]model.Service, 0, len(r.ordered))
	for _, s := range r.ordered {
		if !s.Hidden {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank == out[j].Rank {
			return out[i].Name < out[j].Name
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

func isReserved(name string, reserved []string) bool {
	for _, r := range reserved {
		if r != "" && r == name {
			return true
		}
	}
	return false
}
