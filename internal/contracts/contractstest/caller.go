// Package contractstest provides an in-memory contracts.Caller that answers
// view calls from registered handlers.
package contractstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "mechx/internal/errors"
)

// Handler answers a decoded call with the method's output values.
type Handler func(args []any) ([]any, error)

// RawHandler answers a decoded call with raw return data.
type RawHandler func(args []any) ([]byte, error)

type key struct {
	to       common.Address
	selector [4]byte
}

type entry struct {
	method abi.Method
	fn     Handler
	raw    RawHandler
}

// Caller dispatches calls by target address and method selector.
type Caller struct {
	mu      sync.Mutex
	entries map[key]entry
	calls   map[key]int
}

// New returns an empty Caller. Unregistered calls revert.
func New() *Caller {
	return &Caller{entries: make(map[key]entry), calls: make(map[key]int)}
}

// Handle registers fn for method of parsed at address to.
func (c *Caller) Handle(to common.Address, parsed abi.ABI, method string, fn Handler) {
	m := mustMethod(parsed, method)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyOf(to, m)] = entry{method: m, fn: fn}
}

// HandleRaw registers a handler that returns undecoded bytes.
func (c *Caller) HandleRaw(to common.Address, parsed abi.ABI, method string, fn RawHandler) {
	m := mustMethod(parsed, method)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyOf(to, m)] = entry{method: m, raw: fn}
}

// Return registers a handler that always returns outputs.
func (c *Caller) Return(to common.Address, parsed abi.ABI, method string, outputs ...any) {
	c.Handle(to, parsed, method, func([]any) ([]any, error) { return outputs, nil })
}

// Calls reports how many times method was called on to.
func (c *Caller) Calls(to common.Address, parsed abi.ABI, method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[keyOf(to, mustMethod(parsed, method))]
}

// Call implements contracts.Caller.
func (c *Caller) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, xerrors.New(xerrors.CodeContractFailure, "execution reverted: short calldata")
	}
	k := key{to: to}
	copy(k.selector[:], data[:4])

	c.mu.Lock()
	e, ok := c.entries[k]
	c.calls[k]++
	c.mu.Unlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeContractFailure,
			fmt.Sprintf("execution reverted: no handler for %x on %s", k.selector, to.Hex()))
	}

	args, err := e.method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("contractstest: decode %s: %w", e.method.Name, err)
	}
	if e.raw != nil {
		return e.raw(args)
	}
	outputs, err := e.fn(args)
	if err != nil {
		return nil, err
	}
	return e.method.Outputs.Pack(outputs...)
}

func keyOf(to common.Address, m abi.Method) key {
	k := key{to: to}
	copy(k.selector[:], m.ID)
	return k
}

func mustMethod(parsed abi.ABI, name string) abi.Method {
	m, ok := parsed.Methods[name]
	if !ok {
		panic("contractstest: unknown method " + name)
	}
	return m
}
