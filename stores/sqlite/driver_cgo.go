//go:build cgo

package sqlite

import _ "github.com/mattn/go-sqlite3"

// CGOEnabled reports whether the store runs on the cgo go-sqlite3 driver.
const CGOEnabled = true

const driverName = "sqlite3"
