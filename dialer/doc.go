// Package dialer provides pool.Manager implementations for plain TCP sockets, PostgreSQL
// connections and Redis clients.
package dialer
