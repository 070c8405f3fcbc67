// ABOUTME: Error values shared between inventory sources and the scan engine.
// ABOUTME: Lets the engine classify failures without importing provider packages.

package types

import "errors"

// ErrConnectivity marks an inventory fetch failure. It is fatal to a scan.
var ErrConnectivity = errors.New("cluster connectivity error")
