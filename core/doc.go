// Package core implements the biote runtime for snackbot.
//
// A Biote is an actor: sequential state that reacts to immutable Events
// delivered to its mailbox. The Manager owns the registry of biotes, the
// worker pools that drain ready mailboxes, the timer service that turns
// deadlines into self-directed events, and the statistics collector used
// by tests and operators. A biote's handlers never run concurrently with
// each other, so biote state needs no locking.
package core
