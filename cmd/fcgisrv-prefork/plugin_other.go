//go:build !linux && !darwin

package main

import (
	"fmt"

	"github.com/gophpeek/fcgisrv"
)

// loadApp is unavailable outside linux/darwin: Go's plugin package (and
// prefork itself, which depends on the same fork-free re-exec mechanism)
// only supports those platforms.
func loadApp(path, eventHandlerSym, responderSym string, ctx *fcgisrv.Context) error {
	return fmt.Errorf("fcgisrv-prefork: --app-path requires linux or darwin (Go's plugin package)")
}
