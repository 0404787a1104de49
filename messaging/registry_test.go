package messaging

import (
	"context"
	"testing"

	"github.com/glimte/amqprouter/contracts"
	"github.com/glimte/amqprouter/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerBinding(t *testing.T) {
	t.Run("identity defaults to the handler type", func(t *testing.T) {
		b := Bind(&fileHandler{}, "files.#")
		assert.Equal(t, "*github.com/glimte/amqprouter/messaging.fileHandler", b.Identity())
	})

	t.Run("Named overrides the identity", func(t *testing.T) {
		b := Bind(&fileHandler{}, "files.#").Named("files")
		assert.Equal(t, "files", b.Identity())
	})

	t.Run("builder methods do not mutate the original binding", func(t *testing.T) {
		base := Bind(&fileHandler{}, "files.#")
		scoped := base.OnExchange("files").WithPriority(3)

		assert.Empty(t, base.Exchange())
		assert.Equal(t, 0, base.Priority())
		assert.Equal(t, "files", scoped.Exchange())
		assert.Equal(t, 3, scoped.Priority())
		assert.Equal(t, []string{"files.#"}, scoped.Patterns())
	})
}

func TestRegistryBuilder(t *testing.T) {
	t.Run("nil handler is rejected", func(t *testing.T) {
		err := NewRegistryBuilder(WithRegistryLogger(quietLogger())).Register(Bind(nil, "a"))
		assert.ErrorIs(t, err, ErrNilHandler)
	})

	t.Run("function handler without a name is rejected", func(t *testing.T) {
		builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		fn := MessageHandlerFunc(func(context.Context, *contracts.MessageContext) error { return nil })

		err := builder.Register(Bind(fn, "a"))
		assert.ErrorIs(t, err, ErrUnnamedHandler)

		assert.NoError(t, builder.Register(Bind(fn, "a").Named("fn")))
	})

	t.Run("binding without patterns is rejected", func(t *testing.T) {
		err := NewRegistryBuilder(WithRegistryLogger(quietLogger())).Register(Bind(&fileHandler{}))
		assert.ErrorIs(t, err, ErrNoPatterns)
	})

	t.Run("invalid pattern is rejected", func(t *testing.T) {
		err := NewRegistryBuilder(WithRegistryLogger(quietLogger())).Register(Bind(&fileHandler{}, "files..update"))

		assert.ErrorIs(t, err, routing.ErrEmptySegment)
		var regErr *RegistrationError
		require.ErrorAs(t, err, &regErr)
		assert.Equal(t, "files..update", regErr.Pattern)
	})

	t.Run("overlapping patterns with a different priority conflict", func(t *testing.T) {
		builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		require.NoError(t, builder.Register(Bind(&fileHandler{}, "files.*").WithPriority(1)))

		err := builder.Register(Bind(&fileHandler{}, "files.update").WithPriority(2))

		assert.ErrorIs(t, err, ErrConflictingPriority)
		var regErr *RegistrationError
		require.ErrorAs(t, err, &regErr)
		assert.Equal(t, "files.update", regErr.Pattern)
		assert.Equal(t, "files.*", regErr.Existing)
	})

	t.Run("overlapping patterns with the same priority are accepted", func(t *testing.T) {
		builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		require.NoError(t, builder.Register(Bind(&fileHandler{}, "files.*").WithPriority(1)))
		assert.NoError(t, builder.Register(Bind(&fileHandler{}, "#").WithPriority(1)))
	})

	t.Run("disjoint patterns may use different priorities", func(t *testing.T) {
		builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		require.NoError(t, builder.Register(Bind(&fileHandler{}, "files.*").WithPriority(1)))
		assert.NoError(t, builder.Register(Bind(&fileHandler{}, "reports.#").WithPriority(2)))
	})

	t.Run("different scopes never conflict", func(t *testing.T) {
		builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		require.NoError(t, builder.Register(Bind(&fileHandler{}, "#").WithPriority(1)))
		assert.NoError(t, builder.Register(Bind(&fileHandler{}, "#").OnExchange("files").WithPriority(2)))
	})

	t.Run("Register after Build is rejected", func(t *testing.T) {
		builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		_, err := builder.Build()
		require.NoError(t, err)

		err = builder.Register(Bind(&fileHandler{}, "a"))
		assert.ErrorIs(t, err, ErrRegistryBuilt)
	})
}

func TestRegistry(t *testing.T) {
	log := &callLog{}
	builder := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
	require.NoError(t, builder.Register(Bind(&fileHandler{log: log}, "files.#", "#")))
	require.NoError(t, builder.Register(Bind(&reportHandler{log: log}, "reports.*").OnExchange("reports")))
	require.NoError(t, builder.Register(Bind(&fileHandler{log: log}, "files.*").OnExchange("files")))
	registry, err := builder.Build()
	require.NoError(t, err)

	t.Run("exact exchange container is preferred", func(t *testing.T) {
		c, ok := registry.Container("reports")
		require.True(t, ok)
		assert.Equal(t, "reports", c.Exchange())
		assert.Equal(t, []string{"reports.*"}, c.Patterns())
	})

	t.Run("unknown exchange falls back to the general container", func(t *testing.T) {
		c, ok := registry.Container("audit")
		require.True(t, ok)
		assert.Empty(t, c.Exchange())
		assert.ElementsMatch(t, []string{"files.#", "#"}, c.Match("files.update"))
	})

	t.Run("scoped exchanges are listed sorted", func(t *testing.T) {
		assert.Equal(t, []string{"files", "reports"}, registry.Exchanges())
		assert.True(t, registry.HasGeneral())
	})

	t.Run("handlers are listed per pattern", func(t *testing.T) {
		c, _ := registry.Container("files")
		assert.Equal(t, []string{"*github.com/glimte/amqprouter/messaging.fileHandler"}, c.Handlers("files.*"))
	})

	t.Run("registry without a general scope has no fallback", func(t *testing.T) {
		b := NewRegistryBuilder(WithRegistryLogger(quietLogger()))
		require.NoError(t, b.Register(Bind(&fileHandler{}, "#").OnExchange("files")))
		r, err := b.Build()
		require.NoError(t, err)

		_, ok := r.Container("reports")
		assert.False(t, ok)
		assert.False(t, r.HasGeneral())
	})

	t.Run("nil registry has no containers", func(t *testing.T) {
		var r *Registry
		_, ok := r.Container("files")
		assert.False(t, ok)
		assert.Nil(t, r.Exchanges())
	})
}
