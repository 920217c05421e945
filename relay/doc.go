// Package relay moves files between devices that cannot reach each other
// directly.
//
// The sending device seals a file with the user's sync passphrase, uploads
// the ciphertext to a blob store and writes a metadata record into the
// mailbox store under relay/<userId>/<destinationDevice>/<fileId>. The
// destination device's Listener observes its own relay prefix, fetches and
// opens each payload, writes it locally and then deletes the record and the
// blob. Deleting the record is the commit point: a listener that crashes
// before it will see the record again on its next attach, so local writes
// must tolerate duplicates. A record whose payload does not decrypt is left
// in place.
package relay
