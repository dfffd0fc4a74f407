// Package registry holds the immutable contract registry: logical name to
// on-chain address to the set of event signatures the contract may emit.
// It is built once from configuration and handed to every component that
// decodes or subscribes; nothing mutates it after construction.
package registry

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xferrous/eventsync/internal/config"
	"github.com/0xferrous/eventsync/pkg/utils"
)

// Binding ties a logical contract name to its address and parsed ABI.
type Binding struct {
	Name    string
	Address common.Address
	ABI     abi.ABI

	eventsByTopic map[common.Hash]abi.Event
}

// EventByTopic resolves a log's topic0 to the event definition, if this
// contract declares it. Anonymous events carry no topic0 and never match.
func (b *Binding) EventByTopic(topic common.Hash) (abi.Event, bool) {
	ev, ok := b.eventsByTopic[topic]
	return ev, ok
}

// Events returns the contract's event definitions in name order.
func (b *Binding) Events() []abi.Event {
	names := make([]string, 0, len(b.ABI.Events))
	for name := range b.ABI.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	events := make([]abi.Event, 0, len(names))
	for _, name := range names {
		events = append(events, b.ABI.Events[name])
	}
	return events
}

// EventSignatures returns the canonical signatures, name-ordered.
func (b *Binding) EventSignatures() []string {
	events := b.Events()
	sigs := make([]string, 0, len(events))
	for _, ev := range events {
		sigs = append(sigs, ev.Sig)
	}
	return sigs
}

// Registry is the full set of contract bindings.
type Registry struct {
	bindings  []*Binding
	byName    map[string]*Binding
	byAddress map[common.Address]*Binding
}

// New builds a registry from configured contracts. ABI JSON comes inline or
// from abi_file; parse failures are configuration errors.
func New(contracts []config.ContractConfig) (*Registry, error) {
	r := &Registry{
		byName:    make(map[string]*Binding),
		byAddress: make(map[common.Address]*Binding),
	}

	for _, contract := range contracts {
		abiJSON := contract.ABI
		if abiJSON == "" && contract.ABIFile != "" {
			data, err := os.ReadFile(contract.ABIFile)
			if err != nil {
				return nil, utils.WrapError(utils.ErrCodeConfiguration,
					fmt.Sprintf("contract %s: reading abi file", contract.Name), err)
			}
			abiJSON = string(data)
		}

		parsed, err := abi.JSON(strings.NewReader(abiJSON))
		if err != nil {
			return nil, utils.WrapError(utils.ErrCodeConfiguration,
				fmt.Sprintf("contract %s: parsing abi", contract.Name), err)
		}

		binding := &Binding{
			Name:          contract.Name,
			Address:       common.HexToAddress(contract.Address),
			ABI:           parsed,
			eventsByTopic: make(map[common.Hash]abi.Event, len(parsed.Events)),
		}
		for _, ev := range parsed.Events {
			if ev.Anonymous {
				continue
			}
			binding.eventsByTopic[ev.ID] = ev
		}

		if _, exists := r.byName[binding.Name]; exists {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration,
				fmt.Sprintf("duplicate contract name %q", binding.Name))
		}
		if _, exists := r.byAddress[binding.Address]; exists {
			return nil, utils.NewAppError(utils.ErrCodeConfiguration,
				fmt.Sprintf("duplicate contract address %s", binding.Address.Hex()))
		}

		r.bindings = append(r.bindings, binding)
		r.byName[binding.Name] = binding
		r.byAddress[binding.Address] = binding
	}

	return r, nil
}

// Bindings returns all bindings in configuration order.
func (r *Registry) Bindings() []*Binding {
	out := make([]*Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// ByName looks up a binding by logical contract name.
func (r *Registry) ByName(name string) (*Binding, bool) {
	b, ok := r.byName[name]
	return b, ok
}

// ByAddress looks up a binding by contract address.
func (r *Registry) ByAddress(addr common.Address) (*Binding, bool) {
	b, ok := r.byAddress[addr]
	return b, ok
}

// Addresses returns every bound contract address, configuration-ordered.
// This is the address set both fetch paths filter on.
func (r *Registry) Addresses() []common.Address {
	out := make([]common.Address, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b.Address)
	}
	return out
}

// Len reports the number of bindings.
func (r *Registry) Len() int {
	return len(r.bindings)
}
