package messaging

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/glimte/amqprouter/routing"
)

// HandlerBinding binds a handler to routing-key patterns. The zero exchange
// scope is the general scope, which receives deliveries from any exchange
// without a scope of its own.
type HandlerBinding struct {
	handler  handlerRef
	name     string
	exchange string
	patterns []string
	priority int
	err      error
}

// Bind binds a synchronous handler to patterns
func Bind(handler MessageHandler, patterns ...string) HandlerBinding {
	b := HandlerBinding{patterns: slices.Clone(patterns)}
	if handler == nil {
		b.err = ErrNilHandler
		return b
	}
	b.handler = handlerRef{kind: HandlerSync, sync: handler}
	b.handler.identity, _ = typeIdentity(handler)
	return b
}

// BindAsync binds an asynchronous handler to patterns
func BindAsync(handler AsyncMessageHandler, patterns ...string) HandlerBinding {
	b := HandlerBinding{patterns: slices.Clone(patterns)}
	if handler == nil {
		b.err = ErrNilHandler
		return b
	}
	b.handler = handlerRef{kind: HandlerAsync, async: handler}
	b.handler.identity, _ = typeIdentity(handler)
	return b
}

// OnExchange restricts the binding to deliveries from one exchange
func (b HandlerBinding) OnExchange(exchange string) HandlerBinding {
	b.exchange = exchange
	return b
}

// WithPriority sets the priority. Higher runs first; the default is 0.
func (b HandlerBinding) WithPriority(priority int) HandlerBinding {
	b.priority = priority
	return b
}

// Named overrides the handler identity used for deduplication, ordering and
// logging. Function adapters must be named.
func (b HandlerBinding) Named(name string) HandlerBinding {
	b.name = name
	return b
}

// Identity returns the name that identifies the handler
func (b HandlerBinding) Identity() string {
	if b.name != "" {
		return b.name
	}
	return b.handler.identity
}

// Exchange returns the exchange scope, empty for the general scope
func (b HandlerBinding) Exchange() string {
	return b.exchange
}

// Patterns returns the bound patterns
func (b HandlerBinding) Patterns() []string {
	return slices.Clone(b.patterns)
}

// Priority returns the binding priority
func (b HandlerBinding) Priority() int {
	return b.priority
}

// RegistryBuilder collects bindings and builds an immutable Registry
type RegistryBuilder struct {
	mu       sync.Mutex
	bindings []HandlerBinding
	built    bool
	logger   *slog.Logger
}

// RegistryOption configures the registry builder
type RegistryOption func(*RegistryBuilder)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(b *RegistryBuilder) {
		b.logger = logger
	}
}

// NewRegistryBuilder creates an empty builder
func NewRegistryBuilder(options ...RegistryOption) *RegistryBuilder {
	b := &RegistryBuilder{logger: slog.Default()}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Register validates and records a binding. A handler bound again in the same
// scope to a pattern overlapping one of its earlier patterns must keep the
// same priority.
func (b *RegistryBuilder) Register(binding HandlerBinding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	identity := binding.Identity()
	if b.built {
		return &RegistrationError{Handler: identity, Exchange: binding.exchange, Err: ErrRegistryBuilt}
	}
	if binding.err != nil {
		return &RegistrationError{Handler: identity, Exchange: binding.exchange, Err: binding.err}
	}
	if identity == "" {
		return &RegistrationError{Handler: "<unnamed>", Exchange: binding.exchange, Err: ErrUnnamedHandler}
	}
	if len(binding.patterns) == 0 {
		return &RegistrationError{Handler: identity, Exchange: binding.exchange, Err: ErrNoPatterns}
	}
	for _, pattern := range binding.patterns {
		if err := routing.ValidatePattern(pattern); err != nil {
			return &RegistrationError{Handler: identity, Exchange: binding.exchange, Pattern: pattern, Err: err}
		}
	}

	for _, existing := range b.bindings {
		if existing.exchange != binding.exchange || existing.Identity() != identity || existing.priority == binding.priority {
			continue
		}
		for _, pattern := range binding.patterns {
			for _, other := range existing.patterns {
				if routing.Overlaps(pattern, other) {
					return &RegistrationError{
						Handler:  identity,
						Exchange: binding.exchange,
						Pattern:  pattern,
						Existing: other,
						Err:      ErrConflictingPriority,
					}
				}
			}
		}
	}

	b.bindings = append(b.bindings, binding)
	b.logger.Debug("registered handler",
		"handler", identity,
		"exchange", binding.exchange,
		"patterns", binding.patterns,
		"priority", binding.priority,
		"kind", binding.handler.kind.String(),
	)
	return nil
}

// Build partitions the bindings by exchange scope and builds one container per
// scope. The builder accepts no further bindings afterwards.
func (b *RegistryBuilder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.built = true

	scopes := make(map[string][]HandlerBinding)
	var order []string
	for _, binding := range b.bindings {
		if _, ok := scopes[binding.exchange]; !ok {
			order = append(order, binding.exchange)
		}
		scopes[binding.exchange] = append(scopes[binding.exchange], binding)
	}

	r := &Registry{scoped: make(map[string]*HandlerContainer)}
	for _, exchange := range order {
		container, err := newHandlerContainer(exchange, scopes[exchange])
		if err != nil {
			return nil, err
		}
		if exchange == "" {
			r.general = container
		} else {
			r.scoped[exchange] = container
		}
	}

	b.logger.Info("handler registry built",
		"bindings", len(b.bindings),
		"exchanges", len(r.scoped),
		"general", r.general != nil,
	)
	return r, nil
}

// Registry maps exchanges to handler containers. It is immutable and safe for
// concurrent use.
type Registry struct {
	general *HandlerContainer
	scoped  map[string]*HandlerContainer
}

// Container returns the container for an exchange, falling back to the
// general scope
func (r *Registry) Container(exchange string) (*HandlerContainer, bool) {
	if r == nil {
		return nil, false
	}
	if c, ok := r.scoped[exchange]; ok {
		return c, true
	}
	if r.general != nil {
		return r.general, true
	}
	return nil, false
}

// Exchanges returns the exchanges with a scoped container, sorted
func (r *Registry) Exchanges() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.scoped))
}

// HasGeneral reports whether any binding was registered without an exchange
func (r *Registry) HasGeneral() bool {
	return r != nil && r.general != nil
}

// HandlerContainer holds the trie and handlers of one exchange scope
type HandlerContainer struct {
	exchange string
	trie     *routing.Trie
	handlers map[string][]handlerRef
	// priority per handler identity and pattern
	priorities map[string]map[string]int
	// registration order of each handler identity's first binding
	sequence map[string]int
}

func newHandlerContainer(exchange string, bindings []HandlerBinding) (*HandlerContainer, error) {
	c := &HandlerContainer{
		exchange:   exchange,
		handlers:   make(map[string][]handlerRef),
		priorities: make(map[string]map[string]int),
		sequence:   make(map[string]int),
	}

	// first instance registered for an identity serves all its bindings
	instances := make(map[string]handlerRef)
	var patterns []string

	for _, binding := range bindings {
		identity := binding.Identity()
		ref, ok := instances[identity]
		if !ok {
			ref = binding.handler
			ref.identity = identity
			instances[identity] = ref
			c.sequence[identity] = len(c.sequence)
			c.priorities[identity] = make(map[string]int)
		}

		for _, pattern := range binding.patterns {
			patterns = append(patterns, pattern)
			c.priorities[identity][pattern] = binding.priority
			if !slices.ContainsFunc(c.handlers[pattern], func(h handlerRef) bool { return h.identity == identity }) {
				c.handlers[pattern] = append(c.handlers[pattern], ref)
			}
		}
	}

	trie, err := routing.Build(patterns)
	if err != nil {
		return nil, err
	}
	c.trie = trie
	return c, nil
}

// Exchange returns the scope, empty for the general container
func (c *HandlerContainer) Exchange() string {
	return c.exchange
}

// Patterns returns the distinct patterns of the container
func (c *HandlerContainer) Patterns() []string {
	return c.trie.Patterns()
}

// Handlers returns the handler identities bound to a pattern in binding order
func (c *HandlerContainer) Handlers(pattern string) []string {
	refs := c.handlers[pattern]
	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.identity
	}
	return names
}

// Match returns the container patterns matching a routing key
func (c *HandlerContainer) Match(routingKey string) []string {
	return c.trie.MatchKey(routingKey)
}

func (c *HandlerContainer) priority(identity, pattern string) int {
	return c.priorities[identity][pattern]
}
