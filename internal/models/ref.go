package models

import "fmt"

type RefKind string

const (
	RefDelivery RefKind = "delivery"
	RefVehicle  RefKind = "vehicle"
	RefRequest  RefKind = "request"
)

// Ref is a typed reference to an engine entity, used by emitted events in
// place of the old untyped type+id column pair.
type Ref struct {
	Kind RefKind `json:"kind"`
	ID   uint64  `json:"id"`
}

func (r Ref) Key() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}
