// Package grpc serves formation.v1.JourneyService. Messages travel as
// google.protobuf.Struct values holding the JSON shapes of package wire, so
// the service needs no generated code.
package grpc
