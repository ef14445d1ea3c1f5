// Package ratchet provides forward secrecy via symmetric key ratcheting.
//
// Every sealed message advances the chain, so a key is never used twice and
// compromise of the current chain key does not reveal earlier messages.
// A link runs one Chain for sending and one Receiver per direction.
package ratchet
