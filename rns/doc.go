// Package rns is an identity-addressed, encrypted packet transport for mesh
// networks.
//
// Every endpoint is a destination named by the truncated hash of its
// application name and, for single destinations, the owner's public keys.
// Nodes learn how to reach destinations from signed announces that flood the
// network, and forward packets hop by hop over any mix of media (UDP, TCP,
// QUIC, WebSocket). Links add an encrypted, reliable, ordered session on top
// of the best-effort packet service.
//
// Node bundles an identity, a transport and its interfaces; the subpackages
// can be used on their own for finer control.
package rns
