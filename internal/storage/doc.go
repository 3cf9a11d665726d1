// Package storage persists the three record sets of the bot: known chats,
// the settings singleton and the user job list, plus an append-only audit
// log of operator actions.
//
// Each kind is stored independently so a failed or interrupted write of one
// kind never touches the others.
package storage
