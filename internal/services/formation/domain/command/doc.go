// Package command defines the formation command envelope, the registry that
// normalizes commands before they are decided, and the decider that turns a
// command plus the projected journey into events or rejections.
//
// Deciders are pure: they read the journey, the phase catalog and an explicit
// clock, and never touch storage. The engine package owns loading, appending
// and retrying.
package command
