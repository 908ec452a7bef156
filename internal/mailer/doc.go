// Package mailer handles email jobs: it loads a stored liturgy day, renders
// a plain-text digest and hands it to a Sender.
package mailer
