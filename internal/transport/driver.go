package transport

import (
	"errors"
	"sync"
)

var (
	driverMu sync.Mutex
	driver   Dialer
)

// RegisterDialer installs the process-wide protocol driver. Called from a
// driver package's init; the last registration wins.
func RegisterDialer(d Dialer) {
	driverMu.Lock()
	defer driverMu.Unlock()
	driver = d
}

// DefaultDialer returns the registered protocol driver.
func DefaultDialer() (Dialer, error) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if driver == nil {
		return nil, errors.New("transport: no protocol driver registered")
	}
	return driver, nil
}
