// Package bot is the Telegram front end of the daemon.
//
// It consumes bot API updates, keeps a small per-chat session (search
// candidates and the active title selection) and translates commands and
// t.me links into scheduler calls. The Bot also implements
// notifications.Sender, so scheduler lifecycle updates ride the same
// transport as command replies.
package bot
