//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Makes vec_distance_cosine available on the mattn/go-sqlite3 driver.
	vec.Auto()
}
