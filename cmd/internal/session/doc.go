// Package session holds the client's single source of truth for who is
// signed in.
//
// The Store has exactly three mutators: SetIdentity, Clear and SetLoading.
// Every mutation is mirrored to durable storage (identity only) and fanned
// out to subscribers as a (prev, next) transition. The refresh scheduler,
// the realtime channel and the notification seeding all react to those
// transitions; none of them write session state themselves except through
// the mutators.
package session
