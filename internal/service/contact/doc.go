// Package contact implements the newsletter subscriber directory.
//
// Subscribers are identified by a normalised email address and carry a random
// unsubscribe key that is embedded in every newsletter they receive. The
// service validates and normalises input; persistence is behind Repository.
package contact
