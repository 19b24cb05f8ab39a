// Package netio provides the raw-socket transport for single-hop BFD
// (RFC 5881): a shared UDP listener on port 3784 with GTSM (TTL=255)
// enforcement, and per-session output sockets bound to an ephemeral
// source port in the RFC 5881 Section 4 range.
package netio
