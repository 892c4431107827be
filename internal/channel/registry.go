package channel

import (
	"fmt"
	"sync"
)

// Registry holds all registered channel adapters and exposes capability
// accessors. It must be created via NewRegistry and passed explicitly to
// components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Provider]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[Provider]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	provider := NormalizeProvider(adapter.Type().String())
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[provider]; exists {
		return fmt.Errorf("provider already registered: %s", provider)
	}
	r.adapters[provider] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given provider.
func (r *Registry) Get(provider Provider) (Adapter, bool) {
	normalized := NormalizeProvider(provider.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[normalized]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// Types returns all registered providers.
func (r *Registry) Types() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Provider, 0, len(r.adapters))
	for provider := range r.adapters {
		items = append(items, provider)
	}
	return items
}

// GetDescriptor returns the descriptor for the given provider.
func (r *Registry) GetDescriptor(provider Provider) (Descriptor, bool) {
	adapter, ok := r.Get(provider)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// GetCapabilities returns the capability matrix for the given provider.
func (r *Registry) GetCapabilities(provider Provider) (Capabilities, bool) {
	desc, ok := r.GetDescriptor(provider)
	if !ok {
		return Capabilities{}, false
	}
	return desc.Capabilities, true
}

// GetOutboundPolicy returns the outbound policy for the given provider.
func (r *Registry) GetOutboundPolicy(provider Provider) (OutboundPolicy, bool) {
	desc, ok := r.GetDescriptor(provider)
	if !ok {
		return OutboundPolicy{}, false
	}
	return desc.OutboundPolicy, true
}

// GetSender returns the Sender for the given provider, or nil if unsupported.
func (r *Registry) GetSender(provider Provider) (Sender, bool) {
	adapter, ok := r.Get(provider)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetReceiver returns the Receiver for the given provider, or nil if unsupported.
func (r *Registry) GetReceiver(provider Provider) (Receiver, bool) {
	adapter, ok := r.Get(provider)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(Receiver)
	return receiver, ok
}

// GetTypingNotifier returns the TypingNotifier for the given provider, or nil if unsupported.
func (r *Registry) GetTypingNotifier(provider Provider) (TypingNotifier, bool) {
	adapter, ok := r.Get(provider)
	if !ok {
		return nil, false
	}
	notifier, ok := adapter.(TypingNotifier)
	return notifier, ok
}
