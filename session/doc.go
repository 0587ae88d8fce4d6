// Package session resolves caller identity and authorizes access to
// conversation threads.
//
// Two identity variants exist: guests, recognized by an opaque client
// fingerprint and limited by a TTL, and authenticated principals carrying
// a signed bearer token. A caller may only act on threads owned by their
// resolved session. Converting a guest to an authenticated principal
// re-parents the guest's threads and invalidates the fingerprint going
// forward.
package session
