//go:build linux || darwin

package main

import (
	"fmt"
	"plugin"

	"github.com/gophpeek/fcgisrv"
)

// loadApp resolves the event-handler and responder-factory symbols from a
// Go plugin, falling back to ctx's existing defaults when a name is empty
// or the symbol is absent -- the same fallback behavior spec.md §4.7
// describes for the original's importlib-based loader.
func loadApp(path, eventHandlerSym, responderSym string, ctx *fcgisrv.Context) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("fcgisrv-prefork: loading app plugin %s: %w", path, err)
	}

	if eventHandlerSym != "" {
		if sym, err := p.Lookup(eventHandlerSym); err == nil {
			h, ok := sym.(func(fcgisrv.Event))
			if !ok {
				return fmt.Errorf("fcgisrv-prefork: plugin symbol %s is not func(fcgisrv.Event)", eventHandlerSym)
			}
			ctx.EventHandler = h
		}
	}

	if responderSym != "" {
		if sym, err := p.Lookup(responderSym); err == nil {
			f, ok := sym.(func(*fcgisrv.RequestContext) fcgisrv.Responder)
			if !ok {
				return fmt.Errorf("fcgisrv-prefork: plugin symbol %s is not func(*fcgisrv.RequestContext) fcgisrv.Responder", responderSym)
			}
			ctx.ResponderFactory = f
		}
	}

	return nil
}
