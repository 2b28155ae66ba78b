package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabian4/pathmux/internal/model"
)

func svc(name, host string, rank int) model.Service {
	return model.Service{Name: name, BackendHost: host, Kind: model.KindExternal, Rank: rank, Source: "file"}
}

func TestNew_FirstDefinitionWins(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	first := svc("api", "first.example.com", 1)
	second := svc("api", "second.example.com", 2)
	second.Source = "env"

	r := New([]model.Service{first, second}, zap.New(core))

	got, ok := r.Resolve("api")
	require.True(t, ok)
	assert.Equal(t, "first.example.com", got.BackendHost)
	assert.Equal(t, 1, r.Len())

	entries := logs.FilterMessage("duplicate service definition, keeping first").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "second.example.com", entries[0].ContextMap()["ignored"])
}

func TestNew_DropsInvalidBlockedAndReserved(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := New([]model.Service{
		svc("ftp", "ftp.example.com", 1),
		svc("bad name", "x.example.com", 1),
		svc("_logs", "logs.example.com", 1),
		svc("ok", "ok.example.com", 1),
	}, zap.New(core), "_logs")

	assert.Equal(t, 1, r.Len())
	_, ok := r.Resolve("ftp")
	assert.False(t, ok)
	_, ok = r.Resolve("_logs")
	assert.False(t, ok)
	_, ok = r.Resolve("ok")
	assert.True(t, ok)
	assert.Equal(t, 3, logs.Len())
}

func TestResolve_NotFound(t *testing.T) {
	r := New(nil, nil)
	_, ok := r.Resolve("missing")
	assert.False(t, ok)
}

func TestVisible_SortedByRankSkipsHidden(t *testing.T) {
	hidden := svc("secret", "s.example.com", 0)
	hidden.Hidden = true
	r := New([]model.Service{
		svc("zeta", "z.example.com", 5),
		svc("alpha", "a.example.com", 5),
		svc("first", "f.example.com", 1),
		hidden,
		svc("last", "l.example.com", model.DefaultRank),
	}, nil)

	var names []string
	for _, s := range r.Visible() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"first", "alpha", "zeta", "last"}, names)
	assert.Len(t, r.All(), 5)
}
