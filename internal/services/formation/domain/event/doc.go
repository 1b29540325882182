// Package event defines the immutable event envelope of the formation journal
// and the closed set of event kinds the projector understands.
//
// Events are the only source of truth for a subject's journey. Storage assigns
// sequence, identity and integrity fields on append; nothing ever updates or
// deletes a stored event. Corrections are new compensating events such as
// KindCheckpointRetracted.
//
// Kinds are a closed enumeration with JSON payloads. Readers tolerate kinds
// they do not know so older binaries can replay journals written by newer ones.
package event
