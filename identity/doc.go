// Package identity supplies the signed-in user id.
//
// Sync traffic is scoped per user, so nothing can be exchanged until the
// host application reports who is signed in. Provider.Ready blocks until
// that happens.
package identity
